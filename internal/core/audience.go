package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// AudienceFilter is the normalized selection structure. Each list is
// deduplicated, empty entries dropped.
type AudienceFilter struct {
	PhoneNumbers  []string `json:"phone_numbers,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	OperatorCodes []string `json:"operator_codes,omitempty"`
}

func (f AudienceFilter) Empty() bool {
	return len(f.PhoneNumbers) == 0 && len(f.Tags) == 0 && len(f.OperatorCodes) == 0
}

// EffectiveTags is the filter's tag set widened by the campaign default tag.
func (f AudienceFilter) EffectiveTags(campaignTag string) []string {
	if campaignTag == "" {
		return f.Tags
	}
	return dedupe(append(append([]string(nil), f.Tags...), campaignTag))
}

// NormalizeAudience accepts the canonical object form
// {"phone_numbers": [...], "tags": [...], "operator_codes": [...]}
// as well as the legacy array form where plain strings are phone numbers
// and objects carry phone/tag/operator keys.
func NormalizeAudience(raw json.RawMessage) (AudienceFilter, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`)) {
		return AudienceFilter{}, nil
	}

	switch trimmed[0] {
	case '{':
		var obj struct {
			PhoneNumbers  []any `json:"phone_numbers"`
			Tags          []any `json:"tags"`
			OperatorCodes []any `json:"operator_codes"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return AudienceFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		return AudienceFilter{
			PhoneNumbers:  collect(obj.PhoneNumbers),
			Tags:          collect(obj.Tags),
			OperatorCodes: collect(obj.OperatorCodes),
		}, nil
	case '[':
		var items []any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return AudienceFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		var f AudienceFilter
		for _, item := range items {
			switch v := item.(type) {
			case string:
				if v != "" {
					f.PhoneNumbers = append(f.PhoneNumbers, v)
				}
			case map[string]any:
				if p := firstString(v, "phone_number", "phone"); p != "" {
					f.PhoneNumbers = append(f.PhoneNumbers, p)
				}
				if t := firstString(v, "tag"); t != "" {
					f.Tags = append(f.Tags, t)
				}
				if o := firstString(v, "mobile_operator_code", "operator_code"); o != "" {
					f.OperatorCodes = append(f.OperatorCodes, o)
				}
			}
		}
		f.PhoneNumbers = dedupe(f.PhoneNumbers)
		f.Tags = dedupe(f.Tags)
		f.OperatorCodes = dedupe(f.OperatorCodes)
		return f, nil
	default:
		return AudienceFilter{}, fmt.Errorf("%w: expected object or array", ErrInvalidFilter)
	}
}

func collect(items []any) []string {
	var out []string
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			s = fmt.Sprint(item)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return dedupe(out)
}

func dedupe(xs []string) []string {
	if len(xs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(xs))
	var out []string
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	sort.Strings(out)
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
