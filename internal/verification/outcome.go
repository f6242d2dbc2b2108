package verification

// Outcome is what a successful verification reports to its caller.
type Outcome struct {
	RequestID  string  `json:"request_id"`
	JobID      string  `json:"job_id"`
	Identity   string  `json:"identity"`
	Address    string  `json:"address"`
	IsMatch    bool    `json:"is_match"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Diagnostic string  `json:"diagnostic"`
	Attempts   int     `json:"attempts"`
}
