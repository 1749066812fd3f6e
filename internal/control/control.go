// Package control implements the operator-facing mutations: session creation
// and deletion, link distribution and batch queue control.
//
// Batch operations treat every session ID independently. Unknown IDs and
// invalid values are skipped, never reported as errors.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"joinbot/internal/links"
	"joinbot/internal/session"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

type Action string

const (
	ActionStart    Action = "start"
	ActionStop     Action = "stop"
	ActionInterval Action = "interval"
	ActionClear    Action = "clear"
)

// Lifecycle is the session lifecycle side (session.Manager).
type Lifecycle interface {
	Create(ctx context.Context, sessionID string, opts session.CreateOptions) error
	Delete(ctx context.Context, sessionID string) error
}

// Queue is the queue side (queue.Processor).
type Queue interface {
	Start(ctx context.Context, sessionID string) bool
	Stop(ctx context.Context, sessionID string) bool
	Cancel(sessionID string)
}

// Result summarizes a batch operation.
type Result struct {
	OK      int
	Skipped int
	// Message is a human-readable summary for the requesting operator.
	Message string
}

// InitData is the snapshot sent to observers when they (re)subscribe.
type InitData struct {
	Sessions []string                  `json:"sessions"`
	Users    map[string]session.Record `json:"users"`
}

type Service struct {
	log       logx.Logger
	table     *session.Table
	lifecycle Lifecycle
	queue     Queue
	audit     storage.Store
}

func New(table *session.Table, lifecycle Lifecycle, queue Queue, audit storage.Store, log logx.Logger) *Service {
	return &Service{log: log, table: table, lifecycle: lifecycle, queue: queue, audit: audit}
}

func (s *Service) CreateSession(ctx context.Context, actor, sessionID, method, phone string) error {
	opts := session.CreateOptions{Mode: session.ParseAuthMode(method), Phone: strings.TrimSpace(phone)}
	if opts.Mode == session.AuthPhone && opts.Phone == "" {
		err := fmt.Errorf("phone number required for pairing-code login")
		s.record(ctx, actor, "createSession", sessionID, 0, 1, err, nil)
		return err
	}
	err := s.lifecycle.Create(ctx, sessionID, opts)
	ok, fail := 1, 0
	if err != nil {
		ok, fail = 0, 1
	}
	s.record(ctx, actor, "createSession", sessionID, ok, fail, err, map[string]any{"method": string(opts.Mode)})
	return err
}

func (s *Service) DeleteSession(ctx context.Context, actor, sessionID string) error {
	if _, ok := s.table.Get(sessionID); !ok && !s.table.IsActive(sessionID) {
		s.record(ctx, actor, "deleteSession", sessionID, 0, 1, session.ErrUnknownSession, nil)
		return fmt.Errorf("%w: %s", session.ErrUnknownSession, sessionID)
	}
	err := s.lifecycle.Delete(ctx, sessionID)
	ok, fail := 1, 0
	if err != nil {
		ok, fail = 0, 1
	}
	s.record(ctx, actor, "deleteSession", sessionID, ok, fail, err, nil)
	return err
}

// AddLinks extracts invite codes from text and appends the ones not already
// queued to every listed session.
func (s *Service) AddLinks(ctx context.Context, actor string, sessionIDs []string, text string) Result {
	codes := links.Extract(text)
	if len(codes) == 0 {
		return Result{Skipped: len(sessionIDs)}
	}

	var res Result
	added := 0
	for _, id := range sessionIDs {
		n := 0
		if _, ok := s.table.Update(ctx, id, func(r *session.Record) bool {
			n = r.Append(codes)
			return n > 0
		}); !ok {
			res.Skipped++
			continue
		}
		res.OK++
		added += n
	}
	res.Message = fmt.Sprintf("%d links distributed to %d sessions", len(codes), res.OK)
	s.log.Info("links distributed",
		logx.Int("codes", len(codes)), logx.Int("added", added),
		logx.Int("sessions", res.OK), logx.Int("skipped", res.Skipped))
	s.record(ctx, actor, "addLinks", strings.Join(sessionIDs, ","), res.OK, res.Skipped, nil,
		map[string]any{"codes": len(codes), "added": added})
	return res
}

// Control applies one queue action to every listed session.
func (s *Service) Control(ctx context.Context, actor string, sessionIDs []string, action Action, value string) Result {
	var res Result
	interval := 0
	if action == ActionInterval {
		if v, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && v > 0 {
			interval = v
		}
	}

	for _, id := range sessionIDs {
		if _, ok := s.table.Get(id); !ok {
			res.Skipped++
			continue
		}
		switch action {
		case ActionStart:
			s.queue.Start(ctx, id)
		case ActionStop:
			s.queue.Stop(ctx, id)
		case ActionInterval:
			if interval == 0 {
				res.Skipped++
				continue
			}
			s.table.Update(ctx, id, func(r *session.Record) bool {
				if r.Interval == interval {
					return false
				}
				r.Interval = interval
				return true
			})
		case ActionClear:
			s.table.Update(ctx, id, func(r *session.Record) bool {
				r.Queue = []string{}
				r.CurrentIndex = 0
				r.IsRunning = false
				r.TotalJoined = 0
				r.HaltReason = session.HaltNone
				return true
			})
			s.queue.Cancel(id)
		default:
			res.Skipped++
			continue
		}
		res.OK++
	}

	if action == ActionInterval && interval == 0 {
		s.log.Debug("ignoring invalid interval", logx.String("value", value))
	}
	res.Message = fmt.Sprintf("%s applied to %d sessions", action, res.OK)
	s.record(ctx, actor, "control:"+string(action), strings.Join(sessionIDs, ","), res.OK, res.Skipped, nil,
		map[string]any{"value": value})
	return res
}

// Snapshot returns the active list and every record.
func (s *Service) Snapshot() InitData {
	active, recs := s.table.Snapshot()
	return InitData{Sessions: active, Users: recs}
}

func (s *Service) record(ctx context.Context, actor, action, target string, ok, fail int, err error, meta map[string]any) {
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     time.Now(),
		Actor:  actor,
		Action: action,
		Target: target,
		OK:     ok,
		Fail:   fail,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["request"] = uuid.NewString()
	if b, mErr := json.Marshal(meta); mErr == nil {
		e.MetaJSON = string(b)
	}
	if aErr := s.audit.AppendAudit(ctx, e); aErr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aErr))
	}
}
