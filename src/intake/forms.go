// Package intake polls the Google Forms API and turns unseen responses into
// pending applications.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/microcosm-cc/bluemonday"
	forms "google.golang.org/api/forms/v1"
	"google.golang.org/api/option"

	"github.com/stake-plus/gatekeeper/src/engine"
	"github.com/stake-plus/gatekeeper/src/ledger"
)

type Config struct {
	FormID          string
	CredentialsFile string
	Interval        time.Duration
}

type Poller struct {
	cfg       Config
	svc       *forms.Service
	ledger    *ledger.Ledger
	engine    *engine.Engine
	sanitizer *bluemonday.Policy
	cancel    context.CancelFunc
}

func NewPoller(ctx context.Context, cfg Config, l *ledger.Ledger, e *engine.Engine) (*Poller, error) {
	svc, err := forms.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsFile),
		option.WithScopes(forms.FormsBodyReadonlyScope, forms.FormsResponsesReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("forms service: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Poller{
		cfg:       cfg,
		svc:       svc,
		ledger:    l,
		engine:    e,
		sanitizer: bluemonday.StrictPolicy(),
	}, nil
}

func (p *Poller) Name() string { return "intake" }

func (p *Poller) Start(ctx context.Context) error {
	runtimeCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runtimeCtx)
	return nil
}

func (p *Poller) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Poller) run(ctx context.Context) {
	log.Printf("intake: polling form %s every %v", p.cfg.FormID, p.cfg.Interval)
	if err := p.poll(ctx); err != nil {
		log.Printf("intake: poll: %v", err)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("intake: stopping form poller")
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				log.Printf("intake: poll: %v", err)
			}
		}
	}
}

// poll fetches the form once for the question map, then walks every
// response page. Seen responses are skipped; the dedup insert in the ledger
// stays the authoritative guard.
func (p *Poller) poll(ctx context.Context) error {
	form, err := p.svc.Forms.Get(p.cfg.FormID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get form: %w", err)
	}

	pageToken := ""
	for {
		list, err := p.svc.Forms.Responses.List(p.cfg.FormID).
			PageToken(pageToken).
			Context(ctx).
			Do()
		if err != nil {
			return fmt.Errorf("list responses: %w", err)
		}

		for _, resp := range list.Responses {
			if resp == nil || resp.ResponseId == "" {
				continue
			}
			seen, err := p.ledger.Seen(resp.ResponseId)
			if err != nil {
				log.Printf("intake: check response %s: %v", resp.ResponseId, err)
				continue
			}
			if seen {
				continue
			}

			app := buildApplication(form, resp, p.sanitizer)
			if err := p.engine.Submit(ctx, app); err != nil {
				if errors.Is(err, ledger.ErrDuplicateSubmission) {
					continue
				}
				log.Printf("intake: submit response %s: %v", resp.ResponseId, err)
				continue
			}
			log.Printf("intake: application %d created from response %s", app.ID, resp.ResponseId)
		}

		pageToken = list.NextPageToken
		if pageToken == "" {
			return nil
		}
	}
}
