package telegram

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"joinbot/internal/control"
	"joinbot/internal/session"
	logx "joinbot/pkg/logx"
)

const helpText = `Commands:
/sessions - list sessions
/new <id> [phone] - create a session (QR unless a phone is given)
/delete <id> - log out and remove a session
/add <ids> <links...> - distribute invite links
/start <ids> - start queues
/stop <ids> - stop queues
/clear <ids> - clear queues
/interval <ids> <seconds> - set join interval

<ids> is a comma separated list or "all".`

// handle runs one owner command and returns the reply text.
func (b *Bot) handle(ctx context.Context, fromID int64, text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)
	// Commands may arrive as /cmd@BotName in groups.
	cmd, _, _ = strings.Cut(strings.ToLower(cmd), "@")

	actor := "tg:" + strconv.FormatInt(fromID, 10)
	log := b.log.With(logx.String("cmd", cmd), logx.String("actor", actor))
	log.Debug("telegram command")

	switch cmd {
	case "/help":
		return helpText

	case "/sessions", "/list":
		return b.listSessions()

	case "/new":
		args := strings.Fields(rest)
		if len(args) == 0 {
			return "usage: /new <id> [phone]"
		}
		method, phone := string(session.AuthQR), ""
		if len(args) > 1 {
			method, phone = string(session.AuthPhone), args[1]
		}
		if err := b.ctl.CreateSession(ctx, actor, args[0], method, phone); err != nil {
			return "create failed: " + err.Error()
		}
		if method == string(session.AuthPhone) {
			return fmt.Sprintf("Session %s created; pairing code follows.", args[0])
		}
		return fmt.Sprintf("Session %s created; scan the QR from the web console.", args[0])

	case "/delete":
		if rest == "" {
			return "usage: /delete <id>"
		}
		if err := b.ctl.DeleteSession(ctx, actor, rest); err != nil {
			return "delete failed: " + err.Error()
		}
		return fmt.Sprintf("Session %s deleted.", rest)

	case "/add":
		idArg, body, _ := strings.Cut(rest, " ")
		if idArg == "" || strings.TrimSpace(body) == "" {
			return "usage: /add <ids> <links...>"
		}
		res := b.ctl.AddLinks(ctx, actor, b.expandIDs(idArg), body)
		if res.Message == "" {
			return "No invite links found."
		}
		return res.Message

	case "/start", "/stop", "/clear":
		if rest == "" {
			return "usage: " + cmd + " <ids>"
		}
		res := b.ctl.Control(ctx, actor, b.expandIDs(rest), control.Action(strings.TrimPrefix(cmd, "/")), "")
		return summary(res)

	case "/interval":
		args := strings.Fields(rest)
		if len(args) != 2 {
			return "usage: /interval <ids> <seconds>"
		}
		res := b.ctl.Control(ctx, actor, b.expandIDs(args[0]), control.ActionInterval, args[1])
		return summary(res)

	default:
		return "unknown command; /help lists them"
	}
}

// expandIDs splits a comma list; "all" means every known session.
func (b *Bot) expandIDs(arg string) []string {
	if strings.EqualFold(strings.TrimSpace(arg), "all") {
		snap := b.ctl.Snapshot()
		ids := make([]string, 0, len(snap.Users))
		for id := range snap.Users {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		return ids
	}
	var ids []string
	for _, part := range strings.Split(arg, ",") {
		if p := strings.TrimSpace(part); p != "" && !slices.Contains(ids, p) {
			ids = append(ids, p)
		}
	}
	return ids
}

func (b *Bot) listSessions() string {
	snap := b.ctl.Snapshot()
	if len(snap.Users) == 0 {
		return "No sessions."
	}
	ids := make([]string, 0, len(snap.Users))
	for id := range snap.Users {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var sb strings.Builder
	for _, id := range ids {
		r := snap.Users[id]
		state := "idle"
		switch {
		case r.IsRunning:
			state = "running"
		case r.HaltReason != session.HaltNone:
			state = r.HaltReason
		}
		fmt.Fprintf(&sb, "%s [%s] %d/%d joined=%d every %ds %s", id, r.Status, r.CurrentIndex, len(r.Queue), r.TotalJoined, r.Interval, state)
		if r.Phone != "" {
			sb.WriteString(" +" + r.Phone)
		}
		if !slices.Contains(snap.Sessions, id) {
			sb.WriteString(" (inactive)")
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func summary(res control.Result) string {
	if res.Skipped == 0 {
		return res.Message
	}
	return fmt.Sprintf("%s (%d skipped)", res.Message, res.Skipped)
}
