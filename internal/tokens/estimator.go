package tokens

import (
	"log"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Offline loader so token counting never depends on the network.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// encodingName is compatible with the GPT-4 family and close enough for the
// Sonar models; every budgeting decision only needs a consistent estimate.
const encodingName = "cl100k_base"

// messageOverhead approximates the per-message framing tokens the chat
// completion wire format adds around each {role, content} pair.
const messageOverhead = 4

// Estimator maps text to an integer token cost.
type Estimator interface {
	// Count returns the token cost of raw text.
	Count(text string) int
	// CountMessage returns the cost of a role-tagged message including
	// framing overhead.
	CountMessage(role, text string) int
}

var (
	sharedOnce sync.Once
	shared     Estimator
)

// New returns the process-wide estimator: tiktoken when the embedded encoding
// loads, otherwise a character/word heuristic. The encoding is loaded once and
// shared; it is immutable and safe for concurrent use.
func New() Estimator {
	sharedOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			log.Printf("[tokens] warning: %s unavailable, using heuristic estimator: %v", encodingName, err)
			shared = heuristicEstimator{}
			return
		}
		shared = &tiktokenEstimator{enc: enc}
	})
	return shared
}

type tiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}

func (e *tiktokenEstimator) CountMessage(role, text string) int {
	return e.Count(role) + e.Count(text) + messageOverhead
}

// heuristicEstimator is the fallback when the BPE tables cannot be loaded.
// CJK runs at roughly 1.5 tokens per character, everything else at 0.75
// tokens per whitespace-delimited word.
type heuristicEstimator struct{}

func (heuristicEstimator) Count(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	words := len(strings.Fields(text))
	estimate := int(float64(cjk)*1.5 + float64(words)*0.75)
	if estimate < 1 {
		return 1
	}
	return estimate
}

func (h heuristicEstimator) CountMessage(role, text string) int {
	return h.Count(role) + h.Count(text) + messageOverhead
}
