package rpc

// ExecuteResult holds the result of a procedure call, shaped for JSON.
type ExecuteResult struct {
	Data     any      // single value, row, or []row
	IsSet    bool     // the procedure returns a set
	IsScalar bool     // single base type value, not a row
	Notices  []string // notices raised during the call
}

// ProcInfo describes a callable procedure.
type ProcInfo struct {
	Name       string    `json:"name"`
	Args       []ArgInfo `json:"args"`
	ReturnType string    `json:"return_type"`
	ReturnsSet bool      `json:"returns_set"`
	Volatility string    `json:"volatility"`
}

// ArgInfo is one declared argument.
type ArgInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}
