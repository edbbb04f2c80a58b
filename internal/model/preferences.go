package model

// Preferences is the opaque key-value profile record kept for a user.
type Preferences struct {
	UserID string            `json:"userId"`
	Values map[string]string `json:"values"`
}

// UpdatePreferencesRequest carries the values to merge into a profile.
type UpdatePreferencesRequest struct {
	Values map[string]string `json:"values" validate:"required,min=1,dive,keys,required,max=64,endkeys,max=1024"`
}
