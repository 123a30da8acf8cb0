package statestore

import (
	"encoding/json"
	"fmt"
)

// Session is the resumable handle persisted as the working directory's
// single JSON document.
type Session struct {
	UploadID        string `json:"uploadId"`
	FilePath        string `json:"filePath"`
	FileLastChanged string `json:"fileLastChanged"`
	PartSize        int64  `json:"partSize"`
	PartsNeeded     int    `json:"partsNeeded"`
}

// ReadSession loads the session document, or found=false if none has been
// written yet. A malformed document (present but not valid JSON) is a
// distinct, surfaced error rather than "absent".
func (s *Store) ReadSession() (Session, bool, error) {
	data, found, err := s.Read(sessionKey)
	if err != nil {
		return Session{}, false, err
	}
	if !found {
		return Session{}, false, nil
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, false, fmt.Errorf("decode session document: %w", err)
	}
	return sess, true, nil
}

// WriteSession persists sess. Sessions are written exactly once per
// upload; callers must not call WriteSession again after ReadSession has
// returned found=true for the same working directory.
func (s *Store) WriteSession(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session document: %w", err)
	}
	return s.Write(sessionKey, data)
}

// PartHashKey is the working-directory key for part n's hash blob.
func PartHashKey(n int) string {
	return fmt.Sprintf("state_%d.parthash", n)
}

// ReadPartHash loads the hash recorded for part n, if any.
func (s *Store) ReadPartHash(n int) (data []byte, found bool, err error) {
	return s.Read(PartHashKey(n))
}

// WritePartHash durably records part n's hash. This is the durability
// point: once this returns nil, the part is considered complete for
// resume purposes.
func (s *Store) WritePartHash(n int, hash []byte) error {
	return s.Write(PartHashKey(n), hash)
}
