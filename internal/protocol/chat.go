package protocol

import "encoding/json"

// TextComponent is the minimal chat component used for disconnect reasons and
// the server list description.
type TextComponent struct {
	Text  string          `json:"text"`
	Extra []TextComponent `json:"extra,omitempty"`
}

// Text encodes s as a JSON chat component.
func Text(s string) string {
	b, _ := json.Marshal(TextComponent{Text: s})
	return string(b)
}

// PlainText flattens a JSON chat component into its visible text. Anything
// that isn't a component (e.g. a bare JSON string) is returned as-is.
func PlainText(component string) string {
	var c TextComponent
	if err := json.Unmarshal([]byte(component), &c); err != nil {
		var s string
		if json.Unmarshal([]byte(component), &s) == nil {
			return s
		}
		return component
	}
	return c.flatten()
}

func (c TextComponent) flatten() string {
	s := c.Text
	for _, e := range c.Extra {
		s += e.flatten()
	}
	return s
}

// ServerStatus is the document carried by a StatusResponse.
type ServerStatus struct {
	Version            StatusVersion `json:"version"`
	Players            StatusPlayers `json:"players"`
	Description        TextComponent `json:"description"`
	Favicon            string        `json:"favicon,omitempty"`
	PreviewsChat       bool          `json:"previewsChat"`
	EnforcesSecureChat bool          `json:"enforcesSecureChat"`
}

type StatusVersion struct {
	Name     string `json:"name"`
	Protocol int    `json:"protocol"`
}

type StatusPlayers struct {
	Max    int            `json:"max"`
	Online int            `json:"online"`
	Sample []StatusSample `json:"sample"`
}

type StatusSample struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}
