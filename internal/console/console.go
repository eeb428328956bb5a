// Package console is a line-oriented front end for a whiteboard: each line is
// one editing, chat or admin command.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"

	"whiteboard/internal/approval"
	"whiteboard/internal/board"
	"whiteboard/internal/protocol"
	"whiteboard/internal/shape"
	"whiteboard/internal/store"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrAdminOnly      = errors.New("only the admin can do that")
)

type Kicker interface {
	Kick(name string) bool
}

type Approvals interface {
	Pending() []approval.Request
	Approve(name string) error
	Deny(name string) error
}

type Boards interface {
	Save(ctx context.Context, name, savedBy string, items []shape.Shape) error
	Load(ctx context.Context, name string) ([]shape.Shape, error)
	List(ctx context.Context) ([]store.Board, error)
}

// Console drives the replicas of one participant. Kicker, Approvals and
// Boards are only set for the admin.
type Console struct {
	Owner      string
	Document   *board.Document
	Transcript *board.Transcript
	Roster     func() []string
	Kicker     Kicker
	Approvals  Approvals
	Boards     Boards

	mu  sync.Mutex
	out io.Writer
}

func New(out io.Writer) *Console {
	return &Console{out: out}
}

var (
	styleInfo  = color.New(color.FgCyan)
	styleChat  = color.New(color.FgGreen)
	styleWarn  = color.New(color.FgYellow)
	styleError = color.New(color.FgRed, color.OpBold)
)

// Run executes lines from in until quit, EOF or ctx ends.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := c.Exec(ctx, line)
			if err != nil {
				c.Errorf("%v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (c *Console) Infof(format string, args ...any) {
	c.println(styleInfo.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) Warnf(format string, args ...any) {
	c.println(styleWarn.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) Errorf(format string, args ...any) {
	c.println(styleError.Render(fmt.Sprintf(format, args...)))
}

// ChatLine prints one chat message.
func (c *Console) ChatLine(m protocol.ChatMessage) {
	at := time.UnixMilli(m.Timestamp).Format("15:04:05")
	c.println(fmt.Sprintf("[%s] %s: %s", at, styleChat.Render(m.Username), m.Content))
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}

// Exec runs one command line and reports whether the user asked to quit.
func (c *Console) Exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		c.Infof("%s", helpText)
		return false, nil
	case "rect", "circle", "oval", "line", "text":
		s, err := parseShape(cmd, args)
		if err != nil {
			return false, err
		}
		if err := c.Document.Add(s); err != nil {
			return false, err
		}
		c.Infof("added %s", s.ID)
	case "rm":
		if len(args) == 0 {
			return false, usage("rm id...")
		}
		c.Infof("removed %d", c.Document.Remove(args...))
	case "move":
		if len(args) != 3 {
			return false, usage("move id dx dy")
		}
		d, err := ints(args[1:])
		if err != nil {
			return false, err
		}
		if err := c.Document.Move(args[0], d[0], d[1]); err != nil {
			return false, err
		}
	case "undo":
		if !c.Document.Undo() {
			c.Warnf("nothing to undo")
		}
	case "redo":
		if !c.Document.Redo() {
			c.Warnf("nothing to redo")
		}
	case "clear":
		c.Document.Clear(false)
	case "shapes":
		for _, s := range c.Document.Items() {
			c.Infof("%s %s", s.ID, s.TypeID)
		}
	case "users":
		if c.Roster != nil {
			c.Infof("%s", strings.Join(c.Roster(), ", "))
		}
	case "say":
		return false, c.Transcript.Send(strings.Join(args, " "))
	case "history":
		for _, m := range c.Transcript.History() {
			c.ChatLine(m)
		}
	default:
		return false, c.execAdmin(ctx, cmd, args)
	}
	return false, nil
}

func (c *Console) execAdmin(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "kick", "approve", "deny", "pending", "save", "load", "boards":
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	switch cmd {
	case "kick":
		if c.Kicker == nil {
			return ErrAdminOnly
		}
		if len(args) != 1 {
			return usage("kick name")
		}
		if !c.Kicker.Kick(args[0]) {
			return fmt.Errorf("no participant named %q", args[0])
		}
	case "pending":
		if c.Approvals == nil {
			return ErrAdminOnly
		}
		for _, r := range c.Approvals.Pending() {
			c.Infof("%s from %s", r.Name, r.Remote)
		}
	case "approve", "deny":
		if c.Approvals == nil {
			return ErrAdminOnly
		}
		if len(args) != 1 {
			return usage(cmd + " name")
		}
		if cmd == "approve" {
			return c.Approvals.Approve(args[0])
		}
		return c.Approvals.Deny(args[0])
	case "save":
		if c.Boards == nil {
			return ErrAdminOnly
		}
		if len(args) != 1 {
			return usage("save name")
		}
		if err := c.Boards.Save(ctx, args[0], c.Owner, c.Document.Items()); err != nil {
			return err
		}
		c.Document.SetModified(false)
		c.Infof("saved %s", args[0])
	case "load":
		if c.Boards == nil {
			return ErrAdminOnly
		}
		if len(args) != 1 {
			return usage("load name")
		}
		items, err := c.Boards.Load(ctx, args[0])
		if err != nil {
			return err
		}
		return c.Document.Load(items)
	case "boards":
		if c.Boards == nil {
			return ErrAdminOnly
		}
		boards, err := c.Boards.List(ctx)
		if err != nil {
			return err
		}
		for _, b := range boards {
			c.Infof("%s (%d shapes, saved by %s)", b.Name, b.ShapeCount, b.SavedBy)
		}
	}
	return nil
}

func parseShape(kind string, args []string) (shape.Shape, error) {
	switch kind {
	case "rect", "oval", "line":
		if len(args) != 4 {
			return shape.Shape{}, usage(shapeForms[kind])
		}
		n, err := ints(args)
		if err != nil {
			return shape.Shape{}, err
		}
		switch kind {
		case "rect":
			return shape.NewRectangle(n[0], n[1], n[2], n[3]), nil
		case "oval":
			return shape.NewOval(n[0], n[1], n[2], n[3]), nil
		}
		return shape.NewLine(n[0], n[1], n[2], n[3]), nil
	case "circle":
		if len(args) != 3 {
			return shape.Shape{}, usage("circle x y r")
		}
		n, err := ints(args)
		if err != nil {
			return shape.Shape{}, err
		}
		return shape.NewCircle(n[0], n[1], n[2]), nil
	}
	if len(args) < 3 {
		return shape.Shape{}, usage("text x y words...")
	}
	n, err := ints(args[:2])
	if err != nil {
		return shape.Shape{}, err
	}
	return shape.NewText(n[0], n[1], strings.Join(args[2:], " ")), nil
}

var shapeForms = map[string]string{
	"rect": "rect x y w h",
	"oval": "oval x y hw hh",
	"line": "line x1 y1 x2 y2",
}

func ints(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", a)
		}
		out[i] = v
	}
	return out, nil
}

func usage(form string) error {
	return fmt.Errorf("usage: %s", form)
}

const helpText = `rect x y w h | circle x y r | oval x y hw hh | line x1 y1 x2 y2 | text x y words...
rm id... | move id dx dy | undo | redo | clear | shapes | users | say words... | history
admin: kick name | pending | approve name | deny name | save name | load name | boards
quit`
