// collab is a headless collaboration client. It signs in, opens one
// document in a live room and applies line commands read from stdin:
//
//	insert POS TEXT    insert text at a document position
//	delete FROM TO     delete a range
//	cursor POS         publish the caret
//	select FROM TO     publish a selection
//	save [DESC]        take a named version
//	chat MESSAGE       send a chat message to the room
//	who                print the room roster
//	text               print the local copy as plain text
//	quit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"quill/collab/internal/autosave"
	"quill/collab/internal/config"
	"quill/collab/internal/cursor"
	"quill/collab/internal/localstate"
	"quill/collab/internal/protocol"
	"quill/collab/internal/restclient"
	"quill/collab/internal/transport"
	"quill/collab/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadClient()
	var email, password, documentID, createTitle string

	flags := pflag.NewFlagSet("collab", pflag.ContinueOnError)
	flags.StringVar(&cfg.APIURL, "api", cfg.APIURL, "REST API base URL")
	flags.StringVar(&cfg.SocketURL, "socket", cfg.SocketURL, "socket URL")
	flags.StringVar(&cfg.StatePath, "state", cfg.StatePath, "local session database")
	flags.StringVar(&email, "email", "", "sign in with this email (otherwise the stored session is used)")
	flags.StringVar(&password, "password", os.Getenv("COLLAB_PASSWORD"), "password for --email")
	flags.StringVarP(&documentID, "document", "d", "", "document to open")
	flags.StringVar(&createTitle, "create", "", "create a document with this title and open it")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if documentID == "" && createTitle == "" {
		return errors.New("--document or --create is required")
	}

	state, err := localstate.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer state.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := restclient.New(cfg.APIURL, nil)
	profile, err := signIn(ctx, api, state, email, password)
	if err != nil {
		return err
	}

	if createTitle != "" {
		created, err := api.CreateDocument(ctx, createTitle, "")
		if err != nil {
			return fmt.Errorf("create document: %w", err)
		}
		documentID = created.DocumentID
		log.Printf("collab: created %s", documentID)
	}
	current, err := api.GetContent(ctx, documentID)
	if errors.Is(err, restclient.ErrUnauthorized) {
		if err = refresh(ctx, api, state); err == nil {
			current, err = api.GetContent(ctx, documentID)
		}
	}
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	opts := transport.OptionsFromConfig(cfg)
	opts.Identity = &transport.Identity{UserID: profile.ID, Username: profile.Username, Avatar: profile.Avatar}
	session := transport.New(opts)
	defer session.Close()
	session.Connect(cfg.SocketURL, api.Token())
	session.OnState(func(s transport.State) { log.Printf("collab: %s", s) })
	session.OnReconnectFailed(func() { log.Printf("collab: gave up reconnecting") })
	session.OnChatMessage(func(m protocol.ChatMessage) {
		fmt.Printf("[%s] %s\n", m.Username, m.Message)
	})

	ws, err := workspace.Open(session, documentID, current.Content, workspace.RESTBackend{Client: api}, workspace.Options{
		StaleAfter: cfg.CursorStaleness,
		Renderer:   printRenderer{},
		Autosave: autosave.Options{
			Delay:      cfg.AutosaveDelay,
			ResetDelay: cfg.SavedResetDelay,
		},
	})
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.Autosave().Subscribe(func(s autosave.Status) { log.Printf("collab: autosave %s", s) })
	ws.Roster().Subscribe(func(users []protocol.User) { log.Printf("collab: %d in room", len(users)) })

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	every := cfg.CursorStaleness
	if every <= 0 {
		every = 5 * time.Second
	}
	refreshTick := time.NewTicker(every)
	defer refreshTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refreshTick.C:
			ws.Refresh()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := command(ctx, ws, session, profile.ID, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// signIn returns the profile of the active session, signing in first when
// credentials are given.
func signIn(ctx context.Context, api *restclient.Client, state *localstate.Store, email, password string) (localstate.Profile, error) {
	if email != "" {
		resp, err := api.SignIn(ctx, email, password)
		if err != nil {
			return localstate.Profile{}, fmt.Errorf("sign in: %w", err)
		}
		profile := localstate.Profile{ID: resp.UserID, Username: resp.UserName, Avatar: resp.Avatar}
		if err := state.SaveSession(resp.AccessToken, resp.RefreshToken, profile); err != nil {
			return localstate.Profile{}, err
		}
		return profile, nil
	}
	token, err := state.Token()
	if errors.Is(err, localstate.ErrNotFound) {
		return localstate.Profile{}, errors.New("not signed in; pass --email")
	}
	if err != nil {
		return localstate.Profile{}, err
	}
	api.SetToken(token)
	return state.Profile()
}

func refresh(ctx context.Context, api *restclient.Client, state *localstate.Store) error {
	refreshToken, err := state.RefreshToken()
	if err != nil {
		return err
	}
	resp, err := api.Refresh(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	profile := localstate.Profile{ID: resp.UserID, Username: resp.UserName, Avatar: resp.Avatar}
	return state.SaveSession(resp.AccessToken, resp.RefreshToken, profile)
}

func command(ctx context.Context, ws *workspace.Workspace, session *transport.Session, selfID, line string) (bool, error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch verb {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "insert":
		posText, text, _ := strings.Cut(rest, " ")
		pos, err := strconv.Atoi(posText)
		if err != nil {
			return false, fmt.Errorf("insert: bad position %q", posText)
		}
		return false, ws.Edit(protocol.Edit{Type: protocol.EditInsert, Position: &pos, Content: text})
	case "delete", "select":
		from, to, err := parseRange(rest)
		if err != nil {
			return false, fmt.Errorf("%s: %w", verb, err)
		}
		if verb == "select" {
			return false, ws.Select(from, to)
		}
		return false, ws.Edit(protocol.Edit{Type: protocol.EditDelete, From: &from, To: &to})
	case "cursor":
		pos, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return false, fmt.Errorf("cursor: bad position %q", rest)
		}
		return false, ws.MoveCursor(pos)
	case "save":
		saveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return false, ws.Save(saveCtx, strings.TrimSpace(rest))
	case "chat":
		return false, session.SendChatMessage(ws.DocumentID(), rest)
	case "who":
		for _, u := range ws.Roster().Users() {
			marker := " "
			if u.UserID == selfID {
				marker = "*"
			}
			fmt.Printf("%s %s (%s) %s\n", marker, u.Username, u.Permission, u.Color)
		}
		return false, nil
	case "text":
		fmt.Println(ws.Text())
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q", verb)
	}
}

func parseRange(s string) (int, int, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, errors.New("want FROM TO")
	}
	from, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	to, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

type printRenderer struct{}

func (printRenderer) Render(set cursor.DecorationSet) {
	for _, m := range set.Markers {
		log.Printf("collab: %s at %d", m.Username, m.Pos)
	}
}
