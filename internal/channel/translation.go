package channel

import "encoding/json"

// Translation is the validated translation metadata attached to a message.
type Translation struct {
	Text string `json:"text"`
	Lang string `json:"lang"`
}

// DecodeTranslation decodes the translation payload shapes the backend emits:
// either a bare string or an object with text/lang fields. Returns nil for
// anything malformed so the caller falls back to the original body instead of
// propagating an error into the view.
func DecodeTranslation(raw json.RawMessage) *Translation {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return &Translation{Text: s}
	}

	var obj struct {
		Text           string `json:"text"`
		TranslatedText string `json:"translatedText"`
		Lang           string `json:"lang"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	text := obj.Text
	if text == "" {
		text = obj.TranslatedText
	}
	if text == "" {
		return nil
	}
	return &Translation{Text: text, Lang: obj.Lang}
}
