package agent

import (
	"fmt"

	"github.com/ngoclaw/agentcore/internal/domain/session"
)

// ErrUnknownReview is returned when a tool-review response names a reviewId
// with no matching request in the log.
var ErrUnknownReview = fmt.Errorf("agent: unknown review id")

// ErrReviewAnswered is returned when a tool-review response names a reviewId
// that already has a response.
var ErrReviewAnswered = fmt.Errorf("agent: review already answered")

// reviewIndex is the review state reconstructed from a session's message
// log: every request in append order, and the choice for each answered one.
type reviewIndex struct {
	requests []*session.ToolReviewAttachment // in append order
	answers  map[string]session.ReviewChoice
	// requestAt maps reviewId to the log index of its request, used to find
	// the suspended turn's trailing request group.
	requestAt map[string]int
	lastModel int // log index of the last model-role message, -1 if none
}

func indexReviews(msgs []session.Message) *reviewIndex {
	idx := &reviewIndex{
		answers:   make(map[string]session.ReviewChoice),
		requestAt: make(map[string]int),
		lastModel: -1,
	}
	for i, m := range msgs {
		if m.Role == session.RoleModel {
			idx.lastModel = i
		}
		if m.Review == nil {
			continue
		}
		switch m.Review.Kind {
		case session.ReviewRequest:
			r := m.Review
			idx.requests = append(idx.requests, r)
			idx.requestAt[r.ReviewID] = i
		case session.ReviewResponse:
			idx.answers[m.Review.ReviewID] = m.Review.Choice
		}
	}
	return idx
}

// CheckReviewResponse validates an inbound tool-review response against the
// log (§7 resumption errors): the request must exist and be unanswered.
func CheckReviewResponse(msgs []session.Message, reviewID string) error {
	idx := indexReviews(msgs)
	if _, ok := idx.requestAt[reviewID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReview, reviewID)
	}
	if _, ok := idx.answers[reviewID]; ok {
		return fmt.Errorf("%w: %s", ErrReviewAnswered, reviewID)
	}
	return nil
}

// OutstandingReviews returns the reviewIds of requests that still lack a
// response, in request order.
func OutstandingReviews(msgs []session.Message) []string {
	idx := indexReviews(msgs)
	var out []string
	for _, r := range idx.requests {
		if _, ok := idx.answers[r.ReviewID]; !ok {
			out = append(out, r.ReviewID)
		}
	}
	return out
}

// CurrentTurnDecisions rebuilds the full resolved-decisions list for the
// suspended turn: every review request emitted after the last model message,
// in request order, paired with its recorded choice. It fails if any of
// those requests is still unanswered — the caller must not resume until the
// turn is fully resolved.
func CurrentTurnDecisions(msgs []session.Message) ([]ReviewDecision, error) {
	idx := indexReviews(msgs)
	var decisions []ReviewDecision
	for _, r := range idx.requests {
		if idx.requestAt[r.ReviewID] < idx.lastModel {
			continue
		}
		choice, ok := idx.answers[r.ReviewID]
		if !ok {
			return nil, fmt.Errorf("agent: review %s still unanswered", r.ReviewID)
		}
		if r.GroundedFunctionCall == nil || r.OriginalFunctionCall == nil {
			return nil, fmt.Errorf("agent: review request %s missing call payload", r.ReviewID)
		}
		decisions = append(decisions, ReviewDecision{
			ReviewID: r.ReviewID,
			Grounded: *r.GroundedFunctionCall,
			Original: *r.OriginalFunctionCall,
			Choice:   choice,
		})
	}
	if len(decisions) == 0 {
		return nil, fmt.Errorf("agent: no review requests in the current turn")
	}
	return decisions, nil
}
