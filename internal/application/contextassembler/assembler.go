// Package contextassembler reconstructs the LLM-facing history from a
// session's persisted message log (§4.2). It has no storage dependency of
// its own — it asks the caller for image bytes through ImageLoader, the
// same narrow-interface pattern the Tool Catalog uses for Detector, so the
// domain layer never imports the filesystem.
package contextassembler

import (
	"fmt"
	"strings"

	"github.com/ngoclaw/agentcore/internal/domain/session"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
)

// ImageLoader resolves an internal://<session>/<file> reference to PNG
// bytes. Implemented by the Session Store.
type ImageLoader interface {
	GetImage(sessionID, fileName string) ([]byte, error)
}

// ParseImageRef splits an internal://<session>/<file> reference. It returns
// an error if the reference doesn't belong to expectedSession.
func ParseImageRef(ref, expectedSession string) (fileName string, err error) {
	const prefix = "internal://"
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("contextassembler: malformed image reference %q", ref)
	}
	rest := ref[len(prefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("contextassembler: malformed image reference %q", ref)
	}
	if parts[0] != expectedSession {
		return "", fmt.Errorf("contextassembler: image reference %q does not belong to session %q", ref, expectedSession)
	}
	return parts[1], nil
}

// Assemble builds the LLM-facing history for sessionID from its persisted
// log, applying the four rules of §4.2 in order: drop visible-only
// messages, map role, inline images, merge adjacent same-role turns.
func Assemble(sessionID string, messages []session.Message, images ImageLoader) ([]llm.Content, error) {
	var history []llm.Content

	for _, m := range messages {
		if !m.VisibleToModel() {
			continue
		}

		role := mapRole(m.Role)
		parts, err := convertBlocks(sessionID, m.Content, images)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}

		history = appendMerging(history, llm.Content{Role: role, Parts: parts})
	}

	return history, nil
}

func mapRole(r session.Role) llm.Role {
	if r == session.RoleModel {
		return llm.RoleModel
	}
	return llm.RoleUser
}

func convertBlocks(sessionID string, blocks []session.ContentBlock, images ImageLoader) ([]llm.Part, error) {
	parts := make([]llm.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case session.BlockText:
			parts = append(parts, llm.TextPart(b.Text))
		case session.BlockThought:
			// Thought blocks are never sent back to the LLM (§3).
			continue
		case session.BlockFunctionCall:
			parts = append(parts, llm.FunctionCallPart(llm.FunctionCall{
				ID:   b.FunctionCall.ID,
				Name: b.FunctionCall.Name,
				Args: b.FunctionCall.Args,
			}))
		case session.BlockFunctionResponse:
			parts = append(parts, llm.FunctionResponsePart(llm.FunctionResponse{
				ID:     b.FunctionResponse.ID,
				Name:   b.FunctionResponse.Name,
				Output: b.FunctionResponse.Output,
				Error:  b.FunctionResponse.Error,
			}))
		case session.BlockImage:
			fileName, err := ParseImageRef(b.ImageRef, sessionID)
			if err != nil {
				return nil, err
			}
			png, err := images.GetImage(sessionID, fileName)
			if err != nil {
				return nil, fmt.Errorf("contextassembler: load image %q: %w", b.ImageRef, err)
			}
			parts = append(parts, llm.ImagePart(llm.ImageData{
				MIMEType: "image/png",
				Data:     png,
			}))
		}
	}
	return parts, nil
}

// appendMerging appends content to history, merging into the last entry if
// it has the same mapped role (Rule 4). This is the same merge the agent
// loop uses when appending a freshly produced model turn before the next
// plan — callers should go through this function rather than reimplementing
// the adjacency check.
func appendMerging(history []llm.Content, content llm.Content) []llm.Content {
	if len(content.Parts) == 0 {
		return history
	}
	if n := len(history); n > 0 && history[n-1].Role == content.Role {
		history[n-1].Parts = append(history[n-1].Parts, content.Parts...)
		return history
	}
	return append(history, content)
}

// AppendMerging is the exported form of appendMerging, used by the agent
// loop to merge a freshly produced model turn into the in-flight history
// before issuing the next plan call (§4.2).
func AppendMerging(history []llm.Content, content llm.Content) []llm.Content {
	return appendMerging(history, content)
}
