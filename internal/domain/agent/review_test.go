package agent_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/session"
)

func requestMsg(reviewID, callID string) session.Message {
	return session.Message{
		ID: "m-" + reviewID, SessionID: "s", Role: session.RoleWorkflow,
		Review: &session.ToolReviewAttachment{
			Kind:                 session.ReviewRequest,
			ReviewID:             reviewID,
			GroundedFunctionCall: &session.FunctionCall{ID: callID, Name: agent.ComputerToolName},
			OriginalFunctionCall: &session.FunctionCall{ID: callID, Name: "computer_click"},
		},
		Timestamp: time.Now(),
	}
}

func responseMsg(reviewID string, choice session.ReviewChoice) session.Message {
	return session.Message{
		ID: "r-" + reviewID, SessionID: "s", Role: session.RoleUser,
		Review: &session.ToolReviewAttachment{
			Kind:     session.ReviewResponse,
			ReviewID: reviewID,
			Choice:   choice,
		},
		Timestamp: time.Now(),
	}
}

func modelMsg() session.Message {
	return session.Message{
		ID: "model", SessionID: "s", Role: session.RoleModel,
		Content:   []session.ContentBlock{session.TextBlock("planning")},
		Timestamp: time.Now(),
	}
}

func TestCheckReviewResponse_UnknownID(t *testing.T) {
	msgs := []session.Message{modelMsg(), requestMsg("rev-1", "c1")}
	err := agent.CheckReviewResponse(msgs, "rev-404")
	assert.ErrorIs(t, err, agent.ErrUnknownReview)
}

func TestCheckReviewResponse_AlreadyAnswered(t *testing.T) {
	msgs := []session.Message{
		modelMsg(),
		requestMsg("rev-1", "c1"),
		responseMsg("rev-1", session.ChoiceAcceptOnce),
	}
	err := agent.CheckReviewResponse(msgs, "rev-1")
	assert.ErrorIs(t, err, agent.ErrReviewAnswered)
}

func TestCheckReviewResponse_OK(t *testing.T) {
	msgs := []session.Message{modelMsg(), requestMsg("rev-1", "c1")}
	require.NoError(t, agent.CheckReviewResponse(msgs, "rev-1"))
}

func TestCurrentTurnDecisions_OnlyCurrentTurn(t *testing.T) {
	// An earlier, fully resolved turn must not leak into the decision list.
	msgs := []session.Message{
		modelMsg(),
		requestMsg("old", "c-old"),
		responseMsg("old", session.ChoiceAcceptOnce),
		modelMsg(),
		requestMsg("new-1", "c1"),
		requestMsg("new-2", "c2"),
		responseMsg("new-1", session.ChoiceRejectOnce),
		responseMsg("new-2", session.ChoiceAcceptSession),
	}
	decisions, err := agent.CurrentTurnDecisions(msgs)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "new-1", decisions[0].ReviewID)
	assert.Equal(t, session.ChoiceRejectOnce, decisions[0].Choice)
	assert.Equal(t, "new-2", decisions[1].ReviewID)
	assert.Equal(t, session.ChoiceAcceptSession, decisions[1].Choice)
}

func TestCurrentTurnDecisions_UnansweredFails(t *testing.T) {
	msgs := []session.Message{
		modelMsg(),
		requestMsg("rev-1", "c1"),
		requestMsg("rev-2", "c2"),
		responseMsg("rev-1", session.ChoiceAcceptOnce),
	}
	_, err := agent.CurrentTurnDecisions(msgs)
	assert.Error(t, err)
}

func TestOutstandingReviews_Order(t *testing.T) {
	msgs := []session.Message{
		modelMsg(),
		requestMsg("a", "c1"),
		requestMsg("b", "c2"),
		requestMsg("c", "c3"),
		responseMsg("b", session.ChoiceAcceptOnce),
	}
	assert.Equal(t, []string{"a", "c"}, agent.OutstandingReviews(msgs))
}
