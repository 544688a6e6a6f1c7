package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/services"
	"rillchat/pkg/validation"
)

const helpText = `commands:
  /promote <peer>   make a guest a manager
  /demote <peer>    make a manager a guest
  /kick <peer>      remove a peer from the room
  /ban <peer>       remove a peer and refuse it from now on
  /react <msg> <e>  toggle emoji <e> on message <msg>
  /typing on|off    announce typing presence
  /who              list participants
  /history          print the message log with reactions
  /leave            leave the room
anything else is sent as a chat message`

const maxMessageRunes = 4000

// chatSession is the part of services.Session the console drives.
type chatSession interface {
	SendMessage(text string) (domain.Message, error)
	ToggleReaction(messageID, emoji string) (domain.ReactionAction, error)
	SetTyping(isTyping bool) error
	Moderate(action domain.AdminAction, target domain.PeerID) error
	Snapshot() services.Snapshot
	Leave() error
}

type command struct {
	name string
	args []string
	text string
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}, nil
	}

	fields := strings.Fields(line)
	cmd := command{name: strings.ToLower(strings.TrimPrefix(fields[0], "/")), args: fields[1:]}

	want := 0
	switch cmd.name {
	case "promote", "demote", "kick", "ban":
		want = 1
	case "react":
		want = 2
	case "typing":
		want = 1
	case "who", "history", "leave", "help":
	default:
		return command{}, fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
	if len(cmd.args) != want {
		return command{}, fmt.Errorf("/%s takes %d argument(s)", cmd.name, want)
	}
	return cmd, nil
}

type console struct {
	session chatSession

	mu   sync.Mutex // guards out and seen; input and events run on separate goroutines
	out  io.Writer
	seen map[string]struct{}
}

func newConsole(session chatSession, out io.Writer) *console {
	return &console{session: session, out: out, seen: make(map[string]struct{})}
}

// run reads lines until EOF, /leave or ctx is done. It returns true when the
// user asked to leave.
func (c *console) run(ctx context.Context, in io.Reader) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			if c.execute(line) {
				return true
			}
		}
	}
}

func (c *console) execute(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(line) == "" {
		return false
	}
	cmd, err := parseCommand(line)
	if err != nil {
		c.printf("! %v\n", err)
		return false
	}

	switch cmd.name {
	case "":
		if err := validation.ValidateStringLength(cmd.text, 1, maxMessageRunes, "message"); err != nil {
			c.printf("! %v\n", err)
			return false
		}
		if _, err := c.session.SendMessage(cmd.text); err != nil {
			c.printf("! send failed: %v\n", err)
		}
		_ = c.session.SetTyping(false)
	case "promote", "demote", "kick", "ban":
		action := domain.AdminAction(cmd.name)
		if err := c.session.Moderate(action, domain.PeerID(cmd.args[0])); err != nil {
			c.printf("! %s failed: %v\n", cmd.name, err)
		}
	case "react":
		action, err := c.session.ToggleReaction(c.resolveMessage(cmd.args[0]), cmd.args[1])
		if err != nil {
			c.printf("! react failed: %v\n", err)
			return false
		}
		c.printf("* reaction %s %s\n", cmd.args[1], action)
	case "typing":
		_ = c.session.SetTyping(cmd.args[0] == "on")
	case "who":
		c.printParticipants()
	case "history":
		c.printHistory()
	case "help":
		c.printf("%s\n", helpText)
	case "leave":
		if err := c.session.Leave(); err != nil {
			c.printf("! leave failed: %v\n", err)
		}
		return true
	}
	return false
}

// resolveMessage accepts a full message id or a unique prefix of one.
func (c *console) resolveMessage(ref string) string {
	match := ""
	for _, m := range c.session.Snapshot().Messages {
		if m.ID == ref {
			return ref
		}
		if strings.HasPrefix(m.ID, ref) {
			if match != "" {
				return ref
			}
			match = m.ID
		}
	}
	if match == "" {
		return ref
	}
	return match
}

// handle renders one session event.
func (c *console) handle(ev services.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case services.EventStateChanged:
		if ev.Reason != "" {
			c.printf("* state %s (%s)\n", ev.State, ev.Reason)
		} else {
			c.printf("* state %s\n", ev.State)
		}
	case services.EventMessagesChanged:
		c.printNewMessages()
	case services.EventParticipantsChanged:
		c.printParticipants()
	case services.EventTypingChanged:
		if typing := c.session.Snapshot().Typing; len(typing) > 0 {
			c.printf("* typing: %s\n", joinIDs(typing))
		}
	case services.EventHostUnreachable:
		c.printf("* host unreachable, the room has no host right now\n")
	}
}

func (c *console) printNewMessages() {
	for _, m := range c.session.Snapshot().Messages {
		if _, ok := c.seen[m.ID]; ok {
			continue
		}
		c.seen[m.ID] = struct{}{}
		c.printMessage(m)
	}
}

func (c *console) printMessage(m domain.Message) {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	id := m.ID
	if len(id) > 8 {
		id = id[:8]
	}
	switch m.Kind {
	case domain.KindSystem:
		c.printf("[%s] -- %s\n", ts, m.Text)
	default:
		c.printf("[%s] %s <%s> %s\n", ts, id, m.SenderName, m.Text)
	}
}

func (c *console) printHistory() {
	for _, m := range c.session.Snapshot().Messages {
		c.seen[m.ID] = struct{}{}
		c.printMessage(m)
		for _, g := range m.GroupReactions() {
			c.printf("    %s x%d (%s)\n", g.Emoji, len(g.Senders), joinIDs(g.Senders))
		}
	}
}

func (c *console) printParticipants() {
	snap := c.session.Snapshot()
	parts := make([]string, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		label := fmt.Sprintf("%s [%s]", p.DisplayName, p.Role)
		if p.ID == snap.SelfID {
			label += " (you)"
		}
		parts = append(parts, label)
	}
	c.printf("* participants: %s\n", strings.Join(parts, ", "))
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func joinIDs(ids []domain.PeerID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
