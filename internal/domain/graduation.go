package domain

import "time"

// GraduationStatus is a step of the graduation state machine.
type GraduationStatus string

const (
	GraduationInitiated         GraduationStatus = "initiated"
	GraduationContractDeploying GraduationStatus = "contract_deploying"
	GraduationContractDeployed  GraduationStatus = "contract_deployed"
	GraduationLiquidityCreating GraduationStatus = "liquidity_creating"
	GraduationLiquidityCreated  GraduationStatus = "liquidity_created"
	GraduationCompleted         GraduationStatus = "completed"
	GraduationFailed            GraduationStatus = "failed"
	GraduationLiquidityFailed   GraduationStatus = "liquidity_failed"
)

// graduationEdges lists every permitted status change. The two retry edges out
// of failed and liquidity_failed are only taken on an operator forced retry.
var graduationEdges = map[GraduationStatus][]GraduationStatus{
	GraduationInitiated:         {GraduationContractDeploying},
	GraduationContractDeploying: {GraduationContractDeployed, GraduationFailed},
	GraduationContractDeployed:  {GraduationLiquidityCreating},
	GraduationLiquidityCreating: {GraduationLiquidityCreated, GraduationLiquidityFailed},
	GraduationLiquidityCreated:  {GraduationCompleted},
	GraduationFailed:            {GraduationContractDeploying},
	GraduationLiquidityFailed:   {GraduationLiquidityCreating},
}

// Valid reports whether s is a known status.
func (s GraduationStatus) Valid() bool {
	_, ok := graduationEdges[s]
	return ok || s == GraduationCompleted
}

// IsFailure reports whether s is one of the manually recoverable failure states.
func (s GraduationStatus) IsFailure() bool {
	return s == GraduationFailed || s == GraduationLiquidityFailed
}

// CanTransition reports whether moving from one status to another is a legal
// forward step (or a retry edge).
func CanTransition(from, to GraduationStatus) bool {
	for _, next := range graduationEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// GraduationEvent tracks one token's move from the curve to DEX liquidity.
type GraduationEvent struct {
	ID                       string           `json:"id"`
	TokenID                  string           `json:"token_id"`
	Status                   GraduationStatus `json:"status"`
	PromptRaisedAtGraduation float64          `json:"prompt_raised_at_graduation"`
	V2ContractAddress        string           `json:"v2_contract_address,omitempty"`
	DeployTxHash             string           `json:"deploy_tx_hash,omitempty"`
	LiquidityPoolAddress     string           `json:"liquidity_pool_address,omitempty"`
	LiquidityTxHash          string           `json:"liquidity_tx_hash,omitempty"`
	LPLockTxHash             string           `json:"lp_lock_tx_hash,omitempty"`
	LPUnlockAt               *time.Time       `json:"lp_unlock_at,omitempty"`
	PoolPromptAmount         float64          `json:"pool_prompt_amount,omitempty"`
	PoolTokenAmount          float64          `json:"pool_token_amount,omitempty"`
	PlatformRevenue          float64          `json:"platform_revenue,omitempty"`
	ErrorMessage             string           `json:"error_message,omitempty"`
	Attempts                 int              `json:"attempts"`
	CreatedAt                time.Time        `json:"created_at"`
	UpdatedAt                time.Time        `json:"updated_at"`
	CompletedAt              *time.Time       `json:"completed_at,omitempty"`
}

// GraduationTransition is one row of the append-only status log.
type GraduationTransition struct {
	ID        int64            `json:"id"`
	EventID   string           `json:"event_id"`
	TokenID   string           `json:"token_id"`
	From      GraduationStatus `json:"from"`
	To        GraduationStatus `json:"to"`
	Detail    string           `json:"detail,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
