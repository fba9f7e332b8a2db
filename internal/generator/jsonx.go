package generator

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

var errNoJSON = errors.New("no json object in model output")

// extractFirstJSONObject returns the text between the first '{' and the last '}'.
func extractFirstJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", errNoJSON
	}
	return text[start : end+1], nil
}

// flexIDs accepts a list or a single value of numbers or numeric strings. Unparseable
// entries are skipped.
type flexIDs []int64

func (f *flexIDs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = nil
		return nil
	}
	var raw []json.RawMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		raw = []json.RawMessage{data}
	}
	var ids []int64
	for _, r := range raw {
		if id, ok := parseID(r); ok {
			ids = append(ids, id)
		}
	}
	*f = ids
	return nil
}

func parseID(r json.RawMessage) (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(r, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v, true
		}
		if v, err := n.Float64(); err == nil && v == math.Trunc(v) {
			return int64(v), true
		}
		return 0, false
	}
	var s string
	if err := json.Unmarshal(r, &s); err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v, err == nil
}

// flexFloat accepts a number or numeric string; "NaN" and "Inf" parse as such.
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		v, err := n.Float64()
		if err != nil {
			return nil
		}
		f.Value, f.Set = v, true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	f.Value, f.Set = v, true
	return nil
}

type painPayload struct {
	Items []struct {
		Persona           string    `json:"persona"`
		PainStatement     string    `json:"pain_statement"`
		BusinessImpact    string    `json:"business_impact"`
		TechnicalAnchor   string    `json:"technical_anchor"`
		Confidence        flexFloat `json:"confidence"`
		EvidenceSignalIDs flexIDs   `json:"evidence_signal_ids"`
		Reasoning         string    `json:"reasoning"`
	} `json:"items"`
}

func decodePains(text string) ([]PainDraft, error) {
	obj, err := extractFirstJSONObject(text)
	if err != nil {
		return nil, err
	}
	var p painPayload
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		return nil, err
	}
	if len(p.Items) == 0 {
		return nil, errors.New("model returned no items")
	}
	out := make([]PainDraft, 0, len(p.Items))
	for _, it := range p.Items {
		conf := 0.5
		if it.Confidence.Set {
			conf = it.Confidence.Value
		}
		out = append(out, PainDraft{
			Persona:           it.Persona,
			PainStatement:     it.PainStatement,
			BusinessImpact:    it.BusinessImpact,
			TechnicalAnchor:   it.TechnicalAnchor,
			Confidence:        conf,
			EvidenceSignalIDs: []int64(it.EvidenceSignalIDs),
			Reasoning:         it.Reasoning,
		})
	}
	return out, nil
}

type outreachPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	CTA     string `json:"cta"`
}

func decodeOutreach(text string) (outreachPayload, error) {
	obj, err := extractFirstJSONObject(text)
	if err != nil {
		return outreachPayload{}, err
	}
	var p outreachPayload
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		return p, err
	}
	if strings.TrimSpace(p.Body) == "" {
		return p, errors.New("model returned empty body")
	}
	return p, nil
}
