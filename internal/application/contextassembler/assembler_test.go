package contextassembler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoclaw/agentcore/internal/domain/session"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
)

type mapImages map[string][]byte

func (m mapImages) GetImage(sessionID, fileName string) ([]byte, error) {
	data, ok := m[fileName]
	if !ok {
		return nil, fmt.Errorf("no such image %q", fileName)
	}
	return data, nil
}

func msg(role session.Role, vis session.Visibility, blocks ...session.ContentBlock) session.Message {
	return session.Message{ID: "m", SessionID: "s1", Role: role, Content: blocks, ForDisplay: vis}
}

func TestParseImageRef(t *testing.T) {
	name, err := ParseImageRef("internal://s1/shot.png", "s1")
	require.NoError(t, err)
	assert.Equal(t, "shot.png", name)

	_, err = ParseImageRef("internal://other/shot.png", "s1")
	assert.Error(t, err, "cross-session references are rejected")

	_, err = ParseImageRef("file:///etc/passwd", "s1")
	assert.Error(t, err)

	_, err = ParseImageRef("internal://s1/", "s1")
	assert.Error(t, err)
}

func TestAssemble_FiltersVisibleOnlyAndThoughts(t *testing.T) {
	msgs := []session.Message{
		msg(session.RoleUser, session.VisibilityBoth, session.TextBlock("hello")),
		msg(session.RoleWorkflow, session.VisibilityUserOnly, session.TextBlock("note for humans")),
		msg(session.RoleModel, session.VisibilityBoth,
			session.ThoughtBlock("thinking..."),
			session.TextBlock("hi")),
	}

	history, err := Assemble("s1", msgs, mapImages{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Parts[0].Text)
	// The model turn carries only text: the thought never goes back.
	require.Len(t, history[1].Parts, 1)
	assert.Equal(t, "hi", history[1].Parts[0].Text)
}

func TestAssemble_MergesAdjacentSameRole(t *testing.T) {
	// tool and workflow both map to the user side and are adjacent, so their
	// parts concatenate into one content in order.
	msgs := []session.Message{
		msg(session.RoleUser, session.VisibilityBoth, session.TextBlock("a")),
		msg(session.RoleTool, session.VisibilityBoth,
			session.FunctionResponseBlock(session.FunctionResponse{ID: "1", Name: "t", Output: "out"})),
		msg(session.RoleWorkflow, session.VisibilityModelOnly, session.TextBlock("b")),
		msg(session.RoleModel, session.VisibilityBoth, session.TextBlock("reply")),
		msg(session.RoleModel, session.VisibilityBoth, session.TextBlock("more")),
	}

	history, err := Assemble("s1", msgs, mapImages{})
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, llm.RoleUser, history[0].Role)
	require.Len(t, history[0].Parts, 3)
	assert.Equal(t, "a", history[0].Parts[0].Text)
	assert.Equal(t, llm.PartFunctionResponse, history[0].Parts[1].Kind)
	assert.Equal(t, "b", history[0].Parts[2].Text)

	assert.Equal(t, llm.RoleModel, history[1].Role)
	require.Len(t, history[1].Parts, 2)
}

func TestAssemble_InlinesImages(t *testing.T) {
	images := mapImages{"tile-0.png": []byte{0x89, 0x50}}
	msgs := []session.Message{
		msg(session.RoleWorkflow, session.VisibilityModelOnly,
			session.ImageBlock("internal://s1/tile-0.png"),
			session.TextBlock("label")),
	}

	history, err := Assemble("s1", msgs, images)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, history[0].Parts, 2)
	img := history[0].Parts[0]
	require.Equal(t, llm.PartImage, img.Kind)
	assert.Equal(t, "image/png", img.Image.MIMEType)
	assert.Equal(t, []byte{0x89, 0x50}, img.Image.Data)
}

func TestAssemble_RejectsForeignImageRef(t *testing.T) {
	msgs := []session.Message{
		msg(session.RoleUser, session.VisibilityBoth,
			session.ImageBlock("internal://other-session/x.png")),
	}
	_, err := Assemble("s1", msgs, mapImages{})
	assert.Error(t, err)
}

func TestAppendMerging(t *testing.T) {
	history := []llm.Content{
		{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart("a")}},
	}
	history = AppendMerging(history, llm.Content{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart("b")}})
	require.Len(t, history, 1)
	require.Len(t, history[0].Parts, 2)

	history = AppendMerging(history, llm.Content{Role: llm.RoleModel, Parts: []llm.Part{llm.TextPart("c")}})
	require.Len(t, history, 2)

	// Empty parts are dropped entirely.
	history = AppendMerging(history, llm.Content{Role: llm.RoleUser})
	require.Len(t, history, 2)
}
