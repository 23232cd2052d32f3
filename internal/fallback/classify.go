package fallback

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"model-fallback/internal/config"
	"model-fallback/internal/opencode"
)

// An extractor looks up one field of a raw event document. The empty
// string means not found.
type extractor func(doc []byte) string

// Extractor chains, most specific location first.
var (
	statusExtractors = pathExtractors(
		"properties.error.data.statusCode",
		"properties.error.statusCode",
		"properties.error.status",
		"properties.error.data.status",
		"properties.statusCode",
		"properties.status",
	)
	codeExtractors = pathExtractors(
		"properties.error.data.code",
		"properties.error.code",
		"properties.error.data.error.code",
		"properties.error.data.type",
		"properties.code",
	)
	messageExtractors = pathExtractors(
		"properties.error.data.message",
		"properties.error.message",
		"properties.error.data.responseBody",
		"properties.message",
	)
	sessionIDExtractors = pathExtractors(
		"properties.sessionID",
		"properties.sessionId",
		"properties.session.id",
		"properties.info.sessionID",
		"properties.error.sessionID",
		"sessionID",
	)
)

func pathExtractors(paths ...string) []extractor {
	chain := make([]extractor, 0, len(paths))
	for _, path := range paths {
		chain = append(chain, scalarAt(path))
	}
	return chain
}

// scalarAt reads a string or number at path. Objects, arrays, booleans
// and nulls count as absent.
func scalarAt(path string) extractor {
	return func(doc []byte) string {
		result := gjson.GetBytes(doc, path)
		switch result.Type {
		case gjson.String, gjson.Number:
			return strings.TrimSpace(result.String())
		}
		return ""
	}
}

// firstOf returns the first non-empty value produced by chain.
func firstOf(chain []extractor, doc []byte) string {
	for _, extract := range chain {
		if value := extract(doc); value != "" {
			return value
		}
	}
	return ""
}

// errorSignals are the three independent hints that an error is a credit
// exhaustion.
type errorSignals struct {
	Status  int
	Code    string
	Message string
}

func (s errorSignals) String() string {
	return fmt.Sprintf("status=%d code=%q message=%q", s.Status, s.Code, truncate(s.Message, 120))
}

// eventDocument returns the complete event as JSON so the extractor paths
// can address both the envelope and the properties.
func eventDocument(event opencode.Event) []byte {
	if len(event.Raw) > 0 {
		return event.Raw
	}
	doc, err := json.Marshal(event)
	if err != nil {
		return nil
	}
	return doc
}

func extractSignals(doc []byte) errorSignals {
	var signals errorSignals
	if raw := firstOf(statusExtractors, doc); raw != "" {
		// Fractional or out-of-range statuses are not statuses.
		if status, err := strconv.Atoi(raw); err == nil {
			signals.Status = status
		}
	}
	signals.Code = firstOf(codeExtractors, doc)
	signals.Message = firstOf(messageExtractors, doc)
	if signals.Message == "" {
		signals.Message = string(doc)
	}
	return signals
}

func extractSessionID(doc []byte) string {
	return firstOf(sessionIDExtractors, doc)
}

// matchTrigger reports whether any one signal matches the configured
// rules, and names the rule that matched.
func matchTrigger(rules config.TriggerConfig, signals errorSignals) (bool, string) {
	if signals.Status != 0 {
		for _, status := range rules.OnStatus {
			if status == signals.Status {
				return true, fmt.Sprintf("status %d", status)
			}
		}
	}
	if signals.Code != "" {
		for _, code := range rules.OnErrorCode {
			if code != "" && strings.EqualFold(code, signals.Code) {
				return true, fmt.Sprintf("code %s", code)
			}
		}
	}
	if signals.Message != "" {
		message := strings.ToLower(signals.Message)
		for _, substr := range rules.OnMessage {
			if substr != "" && strings.Contains(message, strings.ToLower(substr)) {
				return true, fmt.Sprintf("message %q", substr)
			}
		}
	}
	return false, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
