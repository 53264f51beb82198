package transcript

import "encoding/json"

// Meta is session-level metadata gleaned from a transcript.
type Meta struct {
	SessionID string
	Model     string
	Timestamp string
}

// SessionMetadata extracts the session id, model, and first timestamp from a
// transcript. Fields it cannot find stay empty; a missing file is an error
// the caller treats as "no metadata".
func SessionMetadata(path string) (Meta, error) {
	var meta Meta
	err := scan(path, func(line int, data []byte) bool {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return true
		}

		if meta.SessionID == "" && rec.SessionID != "" {
			meta.SessionID = rec.SessionID
		}
		if meta.Timestamp == "" && rec.Timestamp != "" {
			meta.Timestamp = rec.Timestamp
		}

		if meta.Model == "" && len(rec.Message) > 0 {
			var msg message
			if err := json.Unmarshal(rec.Message, &msg); err == nil && msg.Model != "" {
				meta.Model = msg.Model
			}
		}

		// Stop once everything is known.
		return meta.SessionID == "" || meta.Model == "" || meta.Timestamp == ""
	})
	return meta, err
}

// UserID extracts the user's email from an auth profile record, if the
// transcript carries one. Empty when absent.
func UserID(path string) (string, error) {
	email := ""
	err := scan(path, func(line int, data []byte) bool {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return true
		}
		if len(rec.Profile) == 0 {
			return true
		}

		var profile struct {
			Email string `json:"email"`
		}
		if err := json.Unmarshal(rec.Profile, &profile); err != nil {
			return true
		}
		if profile.Email != "" {
			email = profile.Email
			return false
		}
		return true
	})
	return email, err
}
