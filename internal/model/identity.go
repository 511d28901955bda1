package model

// Identity is the authenticated principal a channel session belongs to.
type Identity struct {
	UserID   string   `json:"id"`
	Role     string   `json:"role,omitempty"`
	StoreIDs []string `json:"storeIds,omitempty"`
}
