package handlers

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code,omitempty"`
}

type APIStateResponse struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	ActiveTransfers int    `json:"activeTransfers"`
	ChainsOnline    int    `json:"chainsOnline"`
	ChainsTotal     int    `json:"chainsTotal"`
}
