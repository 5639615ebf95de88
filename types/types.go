package types

import "time"

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// PositionState is the projection state machine's state, matching the
// chain's stateOf() numeric mapping exactly (open question #2: fixed,
// 2=CLOSED, 3=CANCELLED).
type PositionState uint8

const (
	StateOrder     PositionState = 0
	StateOpen      PositionState = 1
	StateClosed    PositionState = 2
	StateCancelled PositionState = 3
)

func (s PositionState) String() string {
	switch s {
	case StateOrder:
		return "ORDER"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// CloseReason is the wire-level reason a position left the book, per
// Removed.reason. 0=CANCELLED is handled outside this type by the state
// machine (it maps to StateCancelled, not StateClosed).
type CloseReason uint8

const (
	ReasonCancelled CloseReason = 0
	ReasonMarket    CloseReason = 1
	ReasonSL        CloseReason = 2
	ReasonTP        CloseReason = 3
	ReasonLiq       CloseReason = 4
)

func (r CloseReason) String() string {
	switch r {
	case ReasonCancelled:
		return "CANCELLED"
	case ReasonMarket:
		return "MARKET"
	case ReasonSL:
		return "SL"
	case ReasonTP:
		return "TP"
	case ReasonLiq:
		return "LIQ"
	default:
		return "UNKNOWN"
	}
}

// ParseCloseReason rejects unknown wire values rather than guessing.
func ParseCloseReason(v uint8) (CloseReason, bool) {
	switch CloseReason(v) {
	case ReasonCancelled, ReasonMarket, ReasonSL, ReasonTP, ReasonLiq:
		return CloseReason(v), true
	default:
		return 0, false
	}
}

// StopType distinguishes the three stop_buckets rows a position may have.
type StopType uint8

const (
	StopSL  StopType = 1
	StopTP  StopType = 2
	StopLiq StopType = 3
)

func (t StopType) String() string {
	switch t {
	case StopSL:
		return "SL"
	case StopTP:
		return "TP"
	case StopLiq:
		return "LIQ"
	default:
		return "UNKNOWN"
	}
}

// LogKey identifies a chain log for per-process dedup and for the
// positions.last_tx_hash / last_block_num audit fields.
type LogKey struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
}

// ─── Chain events ────────────────────────────────────────────────────────────
// Duck-typed event payloads on the source side become these strongly typed
// variants; the decoder in chain/decode.go is the seam.

type Opened struct {
	ID               uint32
	InitialState     PositionState // ORDER or OPEN only
	AssetID          uint32
	LongSide         bool
	Lots             int16
	LeverageX        int16
	EntryOrTargetX6  int64
	SLX6             int64
	TPX6             int64
	LiqX6            int64
	Trader           string
	Key              LogKey
}

type Executed struct {
	ID      uint32
	EntryX6 int64
	Key     LogKey
}

type StopsUpdated struct {
	ID   uint32
	SLX6 int64
	TPX6 int64
	Key  LogKey
}

type Removed struct {
	ID      uint32
	Reason  CloseReason
	ExecX6  int64
	PnLUsd6 string // i256 carried as a decimal string; see chain.DecodeRemoved
	Key     LogKey
}

// ─── Chain reads ─────────────────────────────────────────────────────────────

// Trade is the result of getTrade(id). An Empty trade (zero Owner, all
// numeric fields zero) means "no such position".
type Trade struct {
	Owner     string
	State     PositionState
	AssetID   uint32
	LongSide  bool
	Lots      int16
	LeverageX int16
	EntryX6   int64
	TargetX6  int64
	SLX6      int64
	TPX6      int64
	LiqX6     int64
}

func (t Trade) Empty() bool {
	return t.Owner == "" || t.Owner == "0x0000000000000000000000000000000000000000"
}

// ─── Data model ──────────────────────────────────────────────────────────────

// Asset is static reference data: tick_x6 > 0, immutable after creation.
type Asset struct {
	AssetID int64
	Symbol  string
	TickX6  int64
	LotNum  int64
	LotDen  int64
}

// Position is the authoritative projection row, identified by the chain's
// 32-bit id.
type Position struct {
	ID            int64
	OwnerAddr     string // lowercased hex
	AssetID       int64
	State         PositionState
	LongSide      bool
	Lots          int16
	LeverageX     int16
	MarginUsd6    int64
	EntryX6       int64
	TargetX6      int64
	SLX6          int64
	TPX6          int64
	LiqX6         int64
	NotionalUsd6  int64
	OpenedAt      time.Time
	ExecutedAt    *time.Time
	ClosedAt      *time.Time
	CancelledAt   *time.Time
	CloseReason   *CloseReason
	ExecX6        *int64
	PnLUsd6       *string
	LastTxHash    *string
	LastBlockNum  *int64
	TargetBucket  *int64
	SLBucket      *int64
	TPBucket      *int64
	LiqBucket     *int64
}

// OrderBucket is a resting-order index row: present iff the position is
// ORDER with a non-zero target.
type OrderBucket struct {
	AssetID    int64
	BucketID   int64
	PositionID int64
	Lots       int16
	Side       bool // = long_side
}

// StopBucket is a stop-order index row: present iff the position is OPEN
// and the corresponding stop price is non-zero. Side is the antagonistic
// side, ¬long_side.
type StopBucket struct {
	AssetID    int64
	BucketID   int64
	PositionID int64
	StopType   StopType
	Lots       int16
	Side       bool
}

// ExposureAgg is the per-(asset, side) running aggregate across OPEN
// positions, maintained by a store-level trigger.
type ExposureAgg struct {
	AssetID        int64
	Side           bool
	SumLots        int64
	SumEntryX6Lots int64
	SumLeverageLots int64
	SumLiqX6Lots   int64
	SumLiqLots     int64
	PositionsCount int64
}

func (e ExposureAgg) AvgEntryX6() int64 {
	if e.SumLots == 0 {
		return 0
	}
	return e.SumEntryX6Lots / e.SumLots
}

func (e ExposureAgg) AvgLeverageX() int64 {
	if e.SumLots == 0 {
		return 0
	}
	return e.SumLeverageLots / e.SumLots
}

func (e ExposureAgg) AvgLiqX6() int64 {
	if e.SumLiqLots == 0 {
		return 0
	}
	return e.SumLiqX6Lots / e.SumLiqLots
}
