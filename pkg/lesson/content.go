package lesson

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType identifies the kind of a lesson content block.
type BlockType string

const (
	BlockText          BlockType = "text"
	BlockTable         BlockType = "table"
	BlockQuestion      BlockType = "question"
	BlockDefinition    BlockType = "definition"
	BlockDiagram       BlockType = "diagram"
	BlockWorkedExample BlockType = "worked_example"
	BlockQuoteAnalysis BlockType = "quote_analysis"
)

// Valid reports whether the block type is one of the known kinds.
func (t BlockType) Valid() bool {
	switch t {
	case BlockText, BlockTable, BlockQuestion, BlockDefinition,
		BlockDiagram, BlockWorkedExample, BlockQuoteAnalysis:
		return true
	default:
		return false
	}
}

// ContentBlock is a single piece of lesson content pushed by the server.
//
// Blocks are immutable once delivered except for in-place upsert: a block
// arriving with an already-seen id shallow-merges its fields over the
// existing block. Blocks are never deleted within a session.
type ContentBlock struct {
	// ID uniquely identifies the block within a lesson.
	ID string `json:"id"`

	Type BlockType `json:"type"`

	// StepID ties the block to the lesson step it belongs to.
	StepID string `json:"step_id,omitempty"`

	// Data carries the type-specific payload. Kept as a generic map so
	// upsert merge semantics stay field-level regardless of block type.
	Data map[string]any `json:"data,omitempty"`
}

// ParseContentBlock decodes a content block from its JSON form,
// validating the id and type discriminator.
func ParseContentBlock(raw json.RawMessage) (ContentBlock, error) {
	var block ContentBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return ContentBlock{}, fmt.Errorf("decode content block: %w", err)
	}
	block.ID = strings.TrimSpace(block.ID)
	if block.ID == "" {
		return ContentBlock{}, fmt.Errorf("content block missing id")
	}
	if !block.Type.Valid() {
		return ContentBlock{}, fmt.Errorf("content block %s: unknown type %q", block.ID, block.Type)
	}
	return block, nil
}

// Merge returns a copy of the block with the incoming block's fields
// shallow-merged over it. The id never changes; an empty incoming field
// leaves the existing value in place.
func (b ContentBlock) Merge(incoming ContentBlock) ContentBlock {
	merged := b
	if incoming.Type.Valid() {
		merged.Type = incoming.Type
	}
	if incoming.StepID != "" {
		merged.StepID = incoming.StepID
	}
	if len(incoming.Data) > 0 {
		data := make(map[string]any, len(b.Data)+len(incoming.Data))
		for k, v := range b.Data {
			data[k] = v
		}
		for k, v := range incoming.Data {
			data[k] = v
		}
		merged.Data = data
	}
	return merged
}

// Question is the typed payload of a question block.
type Question struct {
	Prompt   string   `json:"prompt"`
	Answer   string   `json:"answer,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// AsQuestion decodes the block's payload as a question.
// Returns an error for non-question blocks.
func (b ContentBlock) AsQuestion() (Question, error) {
	if b.Type != BlockQuestion {
		return Question{}, fmt.Errorf("block %s is %s, not a question", b.ID, b.Type)
	}
	raw, err := json.Marshal(b.Data)
	if err != nil {
		return Question{}, fmt.Errorf("encode question payload: %w", err)
	}
	var q Question
	if err := json.Unmarshal(raw, &q); err != nil {
		return Question{}, fmt.Errorf("decode question payload: %w", err)
	}
	return q, nil
}
