package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/npezzotti/go-chatsync/internal/attachments"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/directory"
	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/docstore/backend"
	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/identity"
	"github.com/npezzotti/go-chatsync/internal/invite"
	"github.com/npezzotti/go-chatsync/internal/observ"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

const ChatCtlVersion = "0.1.0"

const loadWait = 10 * time.Second

func main() {
	usage := fmt.Sprintf(
		`Terminal client for chatsync rooms.

Usage:
    chatctl rooms [--filter=<term>] [options]
    chatctl tail <room> [options]
    chatctl send <room> <text> [--reply=<message_id>] [--attach=<file>...] [options]
    chatctl edit <room> <message_id> <text> [options]
    chatctl delete <room> <message_id> [options]
    chatctl create <name> [options]
    chatctl join <room> [options]
    chatctl invite <room> [options]
    chatctl -h | --help
    chatctl --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --store=<url>           Document store url [default: %s].
    --user=<id>             Identity id. The development identity when unset.
    --name=<name>           Display name for --user.
    --origin=<origin>       Origin of invite links [default: %s].
    --upload-dir=<dir>      Directory attachments are written to [default: %s].
    --debug                 Log at debug level.`,
		config.GetEnv("STORE_URL", "memory://"),
		config.GetEnv("PUBLIC_ORIGIN", "http://localhost:3000"),
		config.GetEnv("UPLOAD_DIR", "uploads"),
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ChatCtlVersion)
	if err != nil {
		panic(err)
	}

	commands := []struct {
		name string
		run  func(context.Context, *cli, docopt.Opts) error
	}{
		{"rooms", listRooms},
		{"tail", tailRoom},
		{"send", sendMessage},
		{"edit", editMessage},
		{"delete", deleteMessage},
		{"create", createRoom},
		{"join", joinRoom},
		{"invite", inviteLink},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, cmd := range commands {
		if ok, _ := opts.Bool(cmd.name); !ok {
			continue
		}

		c, err := newCli(ctx, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		err = cmd.run(ctx, c, opts)
		c.close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
}

type cli struct {
	me       types.Identity
	log      *zap.Logger
	store    docstore.Store
	repo     *database.DocRepository
	uploader attachments.Uploader
	stats    stats.StatsProvider
	engine   *engine.Engine
}

func newCli(ctx context.Context, opts docopt.Opts) (*cli, error) {
	level := "warn"
	if debug, _ := opts.Bool("--debug"); debug {
		level = "debug"
	}
	logger, err := observ.NewLogger("development", level)
	if err != nil {
		return nil, err
	}

	me := identity.Dev()
	if user, _ := opts.String("--user"); user != "" {
		name, _ := opts.String("--name")
		if name == "" {
			name = user
		}
		me = types.Identity{Id: user, DisplayName: name}
	}

	storeURL, _ := opts.String("--store")
	store, err := backend.Open(ctx, storeURL, logger)
	if err != nil {
		return nil, err
	}

	origin, _ := opts.String("--origin")
	uploadDir, _ := opts.String("--upload-dir")
	absUploadDir, err := filepath.Abs(uploadDir)
	if err != nil {
		return nil, err
	}

	c := &cli{
		me:       me,
		log:      logger,
		store:    store,
		repo:     database.NewDocRepository(store),
		uploader: attachments.NewDiskUploader(absUploadDir, origin+"/files"),
		// counters only matter to a long-running server
		stats: stats.NewStatsUpdater(nil),
	}
	c.engine = engine.New(me, engine.Deps{
		Store:    store,
		Repo:     c.repo,
		Uploader: c.uploader,
		Log:      logger,
		Stats:    c.stats,
	}, engine.Options{PublicOrigin: origin})

	return c, nil
}

func (c *cli) close() {
	c.engine.Close()
	if err := c.store.Close(); err != nil {
		c.log.Warn("store close", zap.Error(err))
	}
	c.log.Sync()
}

// memberRoom loads roomId and checks the current identity belongs to it.
func (c *cli) memberRoom(ctx context.Context, roomId string) (types.Room, error) {
	room, err := c.repo.GetRoom(ctx, roomId)
	if errors.Is(err, docstore.ErrNotFound) {
		return types.Room{}, fmt.Errorf("room %s not found", roomId)
	}
	if err != nil {
		return types.Room{}, err
	}
	if !room.HasMember(c.me.Id) {
		return types.Room{}, fmt.Errorf("%s is not a member of %s", c.me.Id, roomId)
	}
	return room, nil
}

// writer returns an unstarted timeline that only issues writes for roomId. It
// refuses messages of other rooms and of other senders.
func (c *cli) writer(roomId string) *timeline.View {
	return timeline.NewView(roomId, c.me, timeline.Deps{
		Repo:     c.repo,
		Uploader: c.uploader,
		Log:      c.log,
		Stats:    c.stats,
	}, timeline.Options{})
}

func listRooms(ctx context.Context, c *cli, opts docopt.Opts) error {
	if err := c.engine.Start(ctx); err != nil {
		return err
	}

	dir := c.engine.Directory()
	ch, cancel := dir.Watch()
	defer cancel()

	waitCtx, cancelWait := context.WithTimeout(ctx, loadWait)
	defer cancelWait()
	for dir.State() != directory.StateActive && dir.State() != directory.StateDegraded {
		select {
		case <-ch:
		case <-waitCtx.Done():
			return fmt.Errorf("waiting for rooms: %w", waitCtx.Err())
		}
	}

	term, _ := opts.String("--filter")
	for _, e := range dir.Filter(term) {
		marker := " "
		if e.Unread {
			marker = "*"
		}
		fmt.Printf("%s %-24s %-14s %s\n", marker, e.Room.Name, e.Room.Id, e.Room.LastMessage)
	}
	return nil
}

func tailRoom(ctx context.Context, c *cli, opts docopt.Opts) error {
	roomId, _ := opts.String("<room>")
	if _, err := c.memberRoom(ctx, roomId); err != nil {
		return err
	}

	if err := c.engine.Start(ctx); err != nil {
		return err
	}
	view, err := c.engine.OpenRoom(roomId)
	if err != nil {
		return err
	}

	ch, cancel := view.Watch()
	defer cancel()

	printed := make(map[string]struct{})
	for {
		for _, e := range view.Snapshot().Entries {
			if e.Status != timeline.StatusConfirmed {
				continue
			}
			if _, ok := printed[e.Message.Id]; ok {
				continue
			}
			printed[e.Message.Id] = struct{}{}
			printEntry(e)
		}

		select {
		case _, ok := <-ch:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func printEntry(e timeline.Entry) {
	at := time.UnixMilli(e.Message.CreatedAtClient)
	if e.Message.CreatedAt != nil {
		at = e.Message.CreatedAt.Time()
	}

	fmt.Printf("[%s] %s: %s", at.Local().Format("15:04"), e.Message.SenderName, e.Message.Text)
	if e.Message.IsEdited {
		fmt.Print(" (edited)")
	}
	fmt.Println()

	if e.Reply.Kind != timeline.ReplyNone {
		fmt.Printf("    > %s %s\n", e.Reply.SenderName, e.Reply.Preview)
	}
	for _, a := range e.Message.Attachments {
		fmt.Printf("    + %s %s\n", a.Name, a.URL)
	}
}

func sendMessage(ctx context.Context, c *cli, opts docopt.Opts) error {
	roomId, _ := opts.String("<room>")
	text, _ := opts.String("<text>")
	replyTo, _ := opts.String("--reply")

	if _, err := c.memberRoom(ctx, roomId); err != nil {
		return err
	}

	var files []attachments.File
	if paths, ok := opts["--attach"].([]string); ok {
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("read attachment: %w", err)
			}
			files = append(files, attachments.File{Name: filepath.Base(p), Data: data})
		}
	}

	view := c.writer(roomId)
	defer view.Close()

	msg, err := view.Send(ctx, text, files, replyTo)
	if err != nil && msg.Id == "" {
		return err
	}
	fmt.Println(msg.Id)
	return err
}

func editMessage(ctx context.Context, c *cli, opts docopt.Opts) error {
	roomId, _ := opts.String("<room>")
	messageId, _ := opts.String("<message_id>")
	text, _ := opts.String("<text>")

	if _, err := c.memberRoom(ctx, roomId); err != nil {
		return err
	}

	view := c.writer(roomId)
	defer view.Close()
	return view.Edit(ctx, messageId, text)
}

func deleteMessage(ctx context.Context, c *cli, opts docopt.Opts) error {
	roomId, _ := opts.String("<room>")
	messageId, _ := opts.String("<message_id>")

	if _, err := c.memberRoom(ctx, roomId); err != nil {
		return err
	}

	view := c.writer(roomId)
	defer view.Close()
	return view.Delete(ctx, messageId)
}

func createRoom(ctx context.Context, c *cli, opts docopt.Opts) error {
	name, _ := opts.String("<name>")

	room, err := c.engine.CreateRoom(ctx, name)
	if err != nil {
		return err
	}

	fmt.Printf("room_id: %s\n", room.Id)
	fmt.Printf("invite: %s\n", c.engine.InviteURL(room.Id))
	return nil
}

func joinRoom(ctx context.Context, c *cli, opts docopt.Opts) error {
	roomId, _ := opts.String("<room>")

	res, err := c.engine.JoinRoom(ctx, roomId)
	if err != nil {
		return err
	}
	if res.Status == invite.StatusNotFound {
		return fmt.Errorf("room %s not found", roomId)
	}

	fmt.Printf("%s %s\n", res.Status, res.Room.Name)
	return nil
}

func inviteLink(ctx context.Context, c *cli, opts docopt.Opts) error {
	roomId, _ := opts.String("<room>")

	if _, err := c.memberRoom(ctx, roomId); err != nil {
		return err
	}

	fmt.Println(c.engine.InviteURL(roomId))
	return nil
}
