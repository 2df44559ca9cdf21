package correlator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/qamon/qamon/internal/bus"
	"github.com/qamon/qamon/internal/config"
	"github.com/qamon/qamon/internal/oracle"
	"github.com/qamon/qamon/internal/store"
)

// Resolver maps a platform user ID to a display name. Lookup failures are
// soft; the correlator falls back to a stable synthetic name.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// Correlator turns the ordered message stream of each channel into linked
// question/answer records. All state it holds (context buffers, name cache)
// is instance-local and owned by the single worker goroutine that calls
// Process.
type Correlator struct {
	store    store.Store
	oracle   oracle.Client
	resolver Resolver
	cfg      config.MonitorConfig

	buffers map[string]*ringBuffer
	names   map[string]string
}

func New(st store.Store, oc oracle.Client, resolver Resolver, cfg config.MonitorConfig) *Correlator {
	return &Correlator{
		store:    st,
		oracle:   oc,
		resolver: resolver,
		cfg:      cfg,
		buffers:  make(map[string]*ringBuffer),
		names:    make(map[string]string),
	}
}

// Process classifies one message. Oracle failures degrade to negative
// classifications and never abort the message; store failures abort it
// without touching the processed ledger, so a redelivery can retry it.
func (c *Correlator) Process(ctx context.Context, msg bus.ChatMessage) error {
	done, err := c.store.IsProcessed(ctx, msg.MessageID)
	if err != nil {
		return fmt.Errorf("ledger check: %w", err)
	}
	if done {
		return nil
	}

	userName := c.userName(ctx, msg.UserID)
	c.buffer(msg.Channel).Append(userName, msg.Text)

	qres := c.classifyQuestion(ctx, msg.Text)

	// selfID guards the answer pass below from matching the message
	// against the question row it just created or merged into.
	var selfID int64
	if qres.IsQuestion {
		selfID, err = c.handleQuestion(ctx, msg, userName, qres)
		if err != nil {
			return err
		}
	}

	if err := c.matchAnswers(ctx, msg, userName, selfID); err != nil {
		return err
	}

	if err := c.store.MarkProcessed(ctx, msg.MessageID, msg.Channel); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (c *Correlator) classifyQuestion(ctx context.Context, text string) *oracle.QuestionResult {
	res, err := c.oracle.IsQuestion(ctx, text)
	if err != nil {
		log.Printf("[correlator] question classifier failed, treating as negative: %v", err)
		return &oracle.QuestionResult{QuestionType: "none"}
	}
	return res
}

// handleQuestion clusters the message into a recent similar open question
// when one exists, otherwise stores it as a new question. It returns the ID
// of the row the message now lives in.
func (c *Correlator) handleQuestion(ctx context.Context, msg bus.ChatMessage, userName string, qres *oracle.QuestionResult) (int64, error) {
	candidates, err := c.store.FindOpenQuestions(ctx, msg.Channel, c.cfg.ClusterLookback())
	if err != nil {
		return 0, fmt.Errorf("load clustering candidates: %w", err)
	}

	if len(candidates) > 0 {
		cands := make([]oracle.Candidate, 0, len(candidates))
		for _, q := range candidates {
			cands = append(cands, oracle.Candidate{ID: q.ID, Text: q.Text})
		}
		sim, err := c.oracle.FindSimilar(ctx, msg.Text, cands)
		if err != nil {
			log.Printf("[correlator] similarity classifier failed, treating as no match: %v", err)
			sim = &oracle.SimilarResult{}
		}
		if sim.IsSimilar && sim.SimilarityScore >= c.cfg.SimilarityThreshold && sim.QuestionID != 0 {
			id, err := c.cluster(ctx, msg, userName, sim.QuestionID)
			if err == nil {
				return id, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return 0, err
			}
			// Stale candidate ID from the oracle; store as new.
			log.Printf("[correlator] cluster target %d vanished, storing as new question", sim.QuestionID)
		}
	}

	id, err := c.store.StoreQuestion(ctx, &store.Question{
		Text:       msg.Text,
		UserID:     msg.UserID,
		UserName:   userName,
		Channel:    msg.Channel,
		Timestamp:  msg.Timestamp,
		MessageID:  msg.MessageID,
		Confidence: qres.Confidence,
		Metadata: map[string]any{
			"question_type": qres.QuestionType,
			"detected_at":   time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store question: %w", err)
	}
	log.Printf("[correlator] new question #%d in %s from %s: %s", id, msg.Channel, userName, snippet(msg.Text))
	return id, nil
}

func (c *Correlator) cluster(ctx context.Context, msg bus.ChatMessage, userName string, targetID int64) (int64, error) {
	target, err := c.store.GetQuestion(ctx, targetID)
	if err != nil {
		return 0, err
	}

	text := target.Text
	gen, err := c.oracle.Generalize(ctx, target.Text, msg.Text)
	if err != nil {
		log.Printf("[correlator] generalize failed, keeping original text: %v", err)
	} else if gen.CoversBoth && strings.TrimSpace(gen.GeneralizedText) != "" {
		text = gen.GeneralizedText
	}

	meta := target.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	history, _ := meta["clustered_questions"].([]any)
	history = append(history, map[string]any{
		"text":       msg.Text,
		"user_name":  userName,
		"timestamp":  msg.Timestamp.UTC().Format(time.RFC3339),
		"message_ts": msg.MessageID,
	})
	meta["clustered_questions"] = history

	if err := c.store.UpdateQuestion(ctx, targetID, text, meta); err != nil {
		return 0, fmt.Errorf("update clustered question: %w", err)
	}
	log.Printf("[correlator] clustered %q into question #%d", snippet(msg.Text), targetID)
	return targetID, nil
}

// matchAnswers checks the message against every open question in the channel
// with no age bound. One message may close several questions.
func (c *Correlator) matchAnswers(ctx context.Context, msg bus.ChatMessage, userName string, selfID int64) error {
	open, err := c.store.FindOpenQuestions(ctx, msg.Channel, 0)
	if err != nil {
		return fmt.Errorf("load open questions: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	chatContext := c.buffer(msg.Channel).Context(c.cfg.ContextMessages)

	for _, q := range open {
		if q.ID == selfID || q.MessageID == msg.MessageID {
			continue
		}
		res, err := c.oracle.IsAnswer(ctx, q.Text, msg.Text, chatContext)
		if err != nil {
			log.Printf("[correlator] answer classifier failed for question #%d, skipping: %v", q.ID, err)
			continue
		}
		if !res.IsAnswer || res.Confidence < c.cfg.AnswerThreshold {
			continue
		}

		if _, err := c.store.StoreAnswer(ctx, &store.Answer{
			QuestionID: q.ID,
			Text:       msg.Text,
			UserID:     msg.UserID,
			UserName:   userName,
			Channel:    msg.Channel,
			Timestamp:  msg.Timestamp,
			MessageID:  msg.MessageID,
			Confidence: res.Confidence,
			Metadata:   map[string]any{"answer_quality": res.AnswerQuality},
		}); err != nil {
			return fmt.Errorf("store answer: %w", err)
		}

		if err := c.store.StoreQAPair(ctx, &store.QAPair{
			Question:     q.Text,
			Answer:       msg.Text,
			QuestionUser: q.UserName,
			AnswerUser:   userName,
			Channel:      msg.Channel,
			Timestamp:    msg.Timestamp,
			Confidence:   math.Min(q.Confidence, res.Confidence),
		}); err != nil {
			return fmt.Errorf("store qa pair: %w", err)
		}

		log.Printf("[correlator] answer from %s closed question #%d in %s", userName, q.ID, msg.Channel)
	}
	return nil
}

func (c *Correlator) buffer(channel string) *ringBuffer {
	b, ok := c.buffers[channel]
	if !ok {
		b = newRingBuffer(c.cfg.BufferSize)
		c.buffers[channel] = b
	}
	return b
}

// userName resolves and caches a display name. The synthetic fallback is
// derived from the user ID so it is stable for the process lifetime.
func (c *Correlator) userName(ctx context.Context, userID string) string {
	if name, ok := c.names[userID]; ok {
		return name
	}

	name := ""
	if c.resolver != nil {
		resolved, err := c.resolver.Resolve(ctx, userID)
		if err != nil {
			log.Printf("[correlator] resolve user %s failed: %v", userID, err)
		} else {
			name = strings.TrimSpace(resolved)
		}
	}
	if name == "" {
		name = syntheticName(userID)
	}

	c.names[userID] = name
	return name
}

func syntheticName(userID string) string {
	tail := userID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return "User" + tail
}

func snippet(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
