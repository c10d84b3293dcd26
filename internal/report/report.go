// Package report sends a scheduled markdown digest of the gateway's
// connection state through the router.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"imgateway/internal/im"
	logx "imgateway/pkg/logx"
)

const (
	DefaultSchedule = "0 9 * * *"
	defaultTimeout  = 30 * time.Second
)

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
	UserID   string
	Timeout  time.Duration
}

// Source supplies the data the digest is built from.
type Source interface {
	Statuses() []im.ConnectionStatus
	AvailableProviders() []im.Provider
}

type Sender interface {
	SendMarkdown(ctx context.Context, title, content, userID string) im.SendResult
}

// Parser accepts standard five-field specs, an optional seconds field and
// descriptors such as @daily.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Service struct {
	cfg    Config
	src    Source
	sender Sender
	log    logx.Logger
	now    func() time.Time

	mu sync.Mutex
	c  *cron.Cron
	// last holds the result of the most recent run.
	last    im.SendResult
	lastRun time.Time
}

func New(cfg Config, src Source, sender Sender, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, sender: sender, log: log, now: time.Now}
}

// Validate checks the schedule and timezone without starting anything.
func Validate(schedule, tz string) error {
	if strings.TrimSpace(schedule) != "" {
		if _, err := Parser.Parse(schedule); err != nil {
			return fmt.Errorf("report.schedule: %w", err)
		}
	}
	if _, err := loadLocation(tz); err != nil {
		return fmt.Errorf("report.timezone: %w", err)
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Start registers the cron entry. It is a no-op when disabled or already
// running.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("report timezone: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(Parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("report schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("report scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce builds and sends one digest.
func (s *Service) RunOnce(ctx context.Context) im.SendResult {
	if ctx.Err() != nil {
		return im.Failed("", ctx.Err().Error())
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	title, body := s.Digest()
	res := s.sender.SendMarkdown(ctx, title, body, s.cfg.UserID)
	if res.Success {
		s.log.Debug("report sent", logx.String("provider", string(res.Provider)))
	} else {
		s.log.Warn("report failed", logx.String("error", res.Error))
	}

	s.mu.Lock()
	s.last, s.lastRun = res, s.now()
	s.mu.Unlock()
	return res
}

// Last returns the most recent result and when it ran.
func (s *Service) Last() (im.SendResult, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastRun
}

// Digest renders the markdown title and body.
func (s *Service) Digest() (string, string) {
	statuses := s.src.Statuses()
	providers := s.src.AvailableProviders()

	connected := 0
	for _, st := range statuses {
		if st.Connected {
			connected++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Generated: %s\n\n", s.now().Format("2006-01-02 15:04 MST"))
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.DisplayName())
	}
	if len(names) == 0 {
		b.WriteString("Providers: none\n")
	} else {
		fmt.Fprintf(&b, "Providers: %s\n", strings.Join(names, ", "))
	}
	if len(statuses) > 0 {
		fmt.Fprintf(&b, "Sessions: %d/%d connected\n\n", connected, len(statuses))
		for _, st := range statuses {
			b.WriteString("- " + st.String() + "\n")
		}
	}
	return "IM Gateway status", strings.TrimRight(b.String(), "\n")
}
