// Package memory implements the token-bounded conversation buffer. The buffer
// holds the recent turns of one session verbatim and, when the configured
// token budget is exceeded, condenses the oldest turns into a single running
// summary via the completion provider.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/convoctx/internal/conversation"
	"github.com/stellarlinkco/convoctx/internal/tokens"
)

var (
	// ErrOversizedTurn means a single turn alone exceeds the token limit.
	// The caller must split or truncate it before retrying.
	ErrOversizedTurn = errors.New("turn exceeds token limit")

	// ErrCompactionFailed means the summarization call failed. The buffer
	// keeps the full window (temporarily over budget) and retries compaction
	// on the next Put; no turn is ever dropped because of a provider outage.
	ErrCompactionFailed = errors.New("compaction failed")
)

const (
	defaultMargin         = 0.25
	defaultCompactTimeout = 20 * time.Second

	// maxCompactRounds bounds how many times one Put may call the
	// summarizer before falling back to dropping turns.
	maxCompactRounds = 3
)

// Summarizer condenses a prior summary plus a batch of turns into one new
// summary text. Implemented by Condenser; tests substitute fakes.
type Summarizer interface {
	Condense(ctx context.Context, priorSummary string, turns []conversation.Turn) (string, error)
}

// Config holds the buffer knobs.
type Config struct {
	// TokenLimit is the hard budget for Get()'s total token cost.
	TokenLimit int
	// Margin is the fraction of TokenLimit that compaction tries to clear
	// below, so one compaction buys headroom for several turns. Default 0.25.
	Margin float64
	// CompactTimeout bounds each summarization call so a slow provider
	// cannot starve the surrounding turn. On timeout the buffer falls back
	// to dropping turns. Default 20s.
	CompactTimeout time.Duration
}

// CompactionReport describes what one compaction event did. It is returned
// exactly once, from the Put call that triggered the event.
type CompactionReport struct {
	// Summarized counts turns folded into the running summary.
	Summarized int
	// Dropped counts turns (or a stale summary) removed outright.
	Dropped int
	// Lossy is set when any history was dropped rather than summarized.
	Lossy bool
}

// Buffer is the summarization memory buffer for a single session. It is not
// safe for concurrent use; one session processes one turn at a time.
type Buffer struct {
	limit          int
	margin         int
	compactTimeout time.Duration
	est            tokens.Estimator
	summarizer     Summarizer

	primer  *conversation.Turn
	summary *conversation.Turn
	window  []conversation.Turn
}

// NewBuffer creates a buffer with the given budget. The summarizer may be nil,
// in which case every compaction takes the lossy path.
func NewBuffer(cfg Config, est tokens.Estimator, summarizer Summarizer) (*Buffer, error) {
	if cfg.TokenLimit <= 0 {
		return nil, fmt.Errorf("new buffer: token limit must be positive, got %d", cfg.TokenLimit)
	}
	if est == nil {
		return nil, fmt.Errorf("new buffer: estimator is required")
	}
	margin := cfg.Margin
	if margin <= 0 || margin >= 1 {
		margin = defaultMargin
	}
	compactTimeout := cfg.CompactTimeout
	if compactTimeout <= 0 {
		compactTimeout = defaultCompactTimeout
	}
	return &Buffer{
		limit:          cfg.TokenLimit,
		margin:         int(float64(cfg.TokenLimit) * margin),
		compactTimeout: compactTimeout,
		est:            est,
		summarizer:     summarizer,
	}, nil
}

// Seed installs a system primer turn that is counted against the budget but
// never summarized or dropped. Callers keep primers small.
func (b *Buffer) Seed(text string) {
	turn := conversation.NewTurn(conversation.RoleSystem, text)
	turn.TokenCost = b.est.CountMessage(string(turn.Role), turn.Text)
	b.primer = &turn
}

// Get returns, in order, the primer (if seeded), the current summary (if any)
// and the active window: the material to send to the completion provider.
func (b *Buffer) Get() []conversation.Turn {
	out := make([]conversation.Turn, 0, len(b.window)+2)
	if b.primer != nil {
		out = append(out, *b.primer)
	}
	if b.summary != nil {
		out = append(out, *b.summary)
	}
	return append(out, b.window...)
}

// TotalTokens is the combined cost of everything Get would return.
func (b *Buffer) TotalTokens() int {
	total := 0
	if b.primer != nil {
		total += b.primer.TokenCost
	}
	if b.summary != nil {
		total += b.summary.TokenCost
	}
	return total + conversation.TotalCost(b.window)
}

// Put appends a turn to the active window and compacts when the budget is
// exceeded. The report is non-nil when a compaction event happened. On
// ErrCompactionFailed the turn is retained and the buffer stays oversized
// until the next successful Put.
func (b *Buffer) Put(ctx context.Context, turn conversation.Turn) (*CompactionReport, error) {
	if !turn.Valid() {
		return nil, fmt.Errorf("put: invalid turn (role=%q)", turn.Role)
	}
	if turn.TokenCost == 0 {
		turn.TokenCost = b.est.CountMessage(string(turn.Role), turn.Text)
	}
	if turn.TokenCost > b.limit {
		return nil, fmt.Errorf("%w: turn costs %d, limit is %d", ErrOversizedTurn, turn.TokenCost, b.limit)
	}

	b.window = append(b.window, turn)
	if b.TotalTokens() <= b.limit {
		return nil, nil
	}

	report, err := b.compact(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}
	return report, nil
}

// compact restores the budget invariant. It summarizes the oldest contiguous
// prefix of the window, growing the batch over a bounded number of rounds, and
// falls back to dropping the least-recent turns when summarizing cannot free
// enough budget or the summarization call times out.
func (b *Buffer) compact(ctx context.Context) (*CompactionReport, error) {
	report := &CompactionReport{}
	target := b.limit - b.margin

	if b.summarizer != nil {
		for round := 0; round < maxCompactRounds; round++ {
			prefix := b.selectPrefix(target)
			if len(prefix) == 0 {
				break
			}

			prior := ""
			if b.summary != nil {
				prior = b.summary.Text
			}

			cctx, cancel := context.WithTimeout(ctx, b.compactTimeout)
			text, err := b.summarizer.Condense(cctx, prior, prefix)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					// Internal compaction timeout: fall back to dropping.
					break
				}
				return nil, err
			}

			summary := conversation.NewTurn(conversation.RoleSystem, text)
			summary.TokenCost = b.est.CountMessage(string(summary.Role), summary.Text)
			b.summary = &summary
			b.window = b.window[len(prefix):]
			report.Summarized += len(prefix)

			if b.TotalTokens() <= b.limit {
				return report, nil
			}
		}
	}

	// Lossy fallback: drop the least-recent turns, always keeping the newest
	// turn verbatim, then the summary itself if that is still not enough.
	for b.TotalTokens() > b.limit && len(b.window) > 1 {
		b.window = b.window[1:]
		report.Dropped++
	}
	if b.TotalTokens() > b.limit && b.summary != nil {
		b.summary = nil
		report.Dropped++
	}
	report.Lossy = report.Dropped > 0
	return report, nil
}

// selectPrefix picks the smallest oldest-first batch whose removal brings the
// buffer to the compaction target. The newest turn is never summarized. A
// second call after a round that did not free enough budget naturally selects
// the next batch.
func (b *Buffer) selectPrefix(target int) []conversation.Turn {
	if len(b.window) < 2 {
		return nil
	}
	total := b.TotalTokens()
	freed := 0
	for k := 1; k < len(b.window); k++ {
		freed += b.window[k-1].TokenCost
		if total-freed <= target {
			return b.window[:k]
		}
	}
	return b.window[:len(b.window)-1]
}
