package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// marshalJSON converts v to compact JSON TEXT for storage.
// HTML escaping is disabled so stored text matches what callers sent.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// marshalParameters stores intent parameters as canonical JSON.
func marshalParameters(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := model.MarshalCanonical(params)
	if err != nil {
		return "", fmt.Errorf("marshal parameters: %w", err)
	}
	return string(data), nil
}

func unmarshalRefs(data string) ([]model.ArtifactRef, error) {
	refs := []model.ArtifactRef{}
	if data == "" {
		return refs, nil
	}
	if err := json.Unmarshal([]byte(data), &refs); err != nil {
		return nil, fmt.Errorf("unmarshal artifact refs: %w", err)
	}
	return refs, nil
}

func unmarshalMaterializations(data string) ([]model.Materialization, error) {
	mats := []model.Materialization{}
	if data == "" {
		return mats, nil
	}
	if err := json.Unmarshal([]byte(data), &mats); err != nil {
		return nil, fmt.Errorf("unmarshal materializations: %w", err)
	}
	return mats, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func errorColumns(info *model.ErrorInfo) (code, message string) {
	if info == nil {
		return "", ""
	}
	return string(info.Code), info.Message
}

func errorFromColumns(code, message string) *model.ErrorInfo {
	if code == "" {
		return nil
	}
	return &model.ErrorInfo{Code: model.Code(code), Message: message}
}

// rawOrNil returns stored descriptor TEXT as raw JSON.
func rawOrNil(data string) json.RawMessage {
	if data == "" {
		return nil
	}
	return json.RawMessage(data)
}
