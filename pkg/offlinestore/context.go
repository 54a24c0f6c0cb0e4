package offlinestore

import "fmt"

// StoreContext binds a container's ciphertext to the identity of the user
// and device it belongs to: decrypting with the wrong context fails the
// AEAD tag check rather than silently returning another user's data.
type StoreContext struct {
	UserID   string
	DeviceID string
}

// NewStoreContext constructs a StoreContext.
func NewStoreContext(userID, deviceID string) StoreContext {
	return StoreContext{UserID: userID, DeviceID: deviceID}
}

// toAAD renders the context as the additional authenticated data bound into
// the envelope at encryption time.
func (c StoreContext) toAAD(schemaVersion uint32) []byte {
	return []byte(fmt.Sprintf("offline-store:v%d:%s:%s", schemaVersion, c.UserID, c.DeviceID))
}
