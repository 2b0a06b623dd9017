// Package ticket 实现投注票据的生命周期：
// 从生成、排队、提交到结算的状态机，以及按用户串行的提交管理器。
package ticket

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status 票据状态。状态只能沿 statusEdges 定义的边迁移。
type Status int

const (
	StatusVoid        Status = -1
	StatusReady       Status = 0
	StatusWaiting     Status = 1
	StatusSent        Status = 2
	StatusFailed      Status = 3
	StatusSuccess     Status = 4
	StatusErrorCredit Status = 5
	StatusNetwork     Status = 6
	StatusDiscard     Status = 7
)

func (s Status) String() string {
	switch s {
	case StatusVoid:
		return "VOID"
	case StatusReady:
		return "READY"
	case StatusWaiting:
		return "WAITING"
	case StatusSent:
		return "SENT"
	case StatusFailed:
		return "FAILED"
	case StatusSuccess:
		return "SUCCESS"
	case StatusErrorCredit:
		return "ERROR_CREDIT"
	case StatusNetwork:
		return "NETWORK"
	case StatusDiscard:
		return "DISCARD"
	}
	return "UNKNOWN"
}

// statusEdges 合法迁移表。NETWORK 视作 FAILED 的瞬态变体，只用于传输层失败。
var statusEdges = map[Status][]Status{
	StatusReady:       {StatusWaiting, StatusSent, StatusVoid},
	StatusWaiting:     {StatusSent, StatusSuccess, StatusErrorCredit, StatusVoid},
	StatusSent:        {StatusSuccess, StatusFailed, StatusVoid, StatusErrorCredit, StatusNetwork, StatusReady},
	StatusFailed:      {StatusReady, StatusDiscard},
	StatusNetwork:     {StatusReady, StatusDiscard},
	StatusSuccess:     {StatusDiscard},
	StatusVoid:        {StatusDiscard},
	StatusErrorCredit: {StatusReady, StatusDiscard},
}

// ValidTransition 报告 from -> to 是否是状态机的合法边
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// 票据类型
const (
	ModeSingle   = "SINGLE"
	ModeMultiple = "MULTIPLE"
)

// limitMaxPayout 网关侧的单票赔付上限
const limitMaxPayout = 200000

// Bet 单个投注项
type Bet struct {
	OddID      int64
	MarketID   string
	OddName    string
	OddValue   decimal.Decimal
	Stake      decimal.Decimal
	ProfitType string
	BetStatus  string
}

// NewBet 构造一个投注项
func NewBet(oddID int64, marketID, oddName string, oddValue, stake decimal.Decimal) Bet {
	return Bet{
		OddID:      oddID,
		MarketID:   marketID,
		OddName:    oddName,
		OddValue:   oddValue,
		Stake:      stake,
		ProfitType: "NONE",
		BetStatus:  "OPEN",
	}
}

// Event 票据中的一场赛事及其投注项
type Event struct {
	EventID      int64
	League       int64
	Week         int
	EventNdx     int
	Participants []map[string]interface{}
	Bets         []Bet

	GameType     string
	PlaylistID   int64
	EventTime    float64
	ExtID        interface{}
	IsBanker     bool
	FinalOutcome []int
}

// NewEvent 构造一场赛事
func NewEvent(eventID, league int64, week int, participants []map[string]interface{}) *Event {
	return &Event{
		EventID:      eventID,
		League:       league,
		Week:         week,
		Participants: participants,
		GameType:     "GL",
	}
}

// AddBet 追加一个投注项
func (e *Event) AddBet(b Bet) {
	e.Bets = append(e.Bets, b)
}

// Stake 该赛事的总注额
func (e *Event) Stake() decimal.Decimal {
	total := decimal.Zero
	for _, b := range e.Bets {
		total = total.Add(b.Stake)
	}
	return total
}

// Outcome 一场赛事的判定结果：赢的 oddId 集合与特殊赔付集合
type Outcome struct {
	Won         map[int64]bool
	RefundStake map[int64]bool
	HalfLost    map[int64]bool
	HalfWon     map[int64]bool
}

// Results 按赛事编号索引的判定结果
type Results map[int64]Outcome

// Ticket 一张投注票据。从生成到结算的全部状态都在这里，
// 提交相关的字段（XS、ConnID）由管理器写入。
type Ticket struct {
	GroupID int64 // 所属对局/赛程分组
	Key     int64 // 持久层分配的票据键
	Player  string
	Demo    bool

	Status    Status
	Resolved  bool
	SentFlag  bool
	ConnID    int
	XS        int64
	SentTime  time.Time
	SessionID int64

	Events []*Event

	Stake        decimal.Decimal
	Grouping     int
	SystemCount  int
	WinningCount int
	MinWinning   decimal.Decimal
	MaxWinning   decimal.Decimal
	MinBonus     decimal.Decimal
	MaxBonus     decimal.Decimal
	TotalWon     decimal.Decimal

	// 网关回执字段
	TicketID     int64
	IP           string
	ServerHash   string
	TimeSend     string
	TimeRegister string
	TimeResolved string
	TimePaid     string
	TicketStatus string
}

// NewTicket 构造一张新票据，初始 READY
func NewTicket(groupID int64, player string) *Ticket {
	return &Ticket{
		GroupID:      groupID,
		Player:       player,
		Demo:         true,
		Status:       StatusReady,
		ConnID:       -1,
		XS:           -1,
		TicketStatus: "OPEN",
	}
}

// AddEvent 追加一场赛事
func (t *Ticket) AddEvent(e *Event) {
	t.Events = append(t.Events, e)
}

// Mode 单关或串关
func (t *Ticket) Mode() string {
	if len(t.Events) == 1 {
		return ModeSingle
	}
	return ModeMultiple
}

// Valid 票据至少要有一场赛事
func (t *Ticket) Valid() bool {
	return len(t.Events) > 0
}

// Transition 沿合法边迁移状态，非法迁移返回 false 且状态不变
func (t *Ticket) Transition(to Status) bool {
	if !ValidTransition(t.Status, to) {
		return false
	}
	t.Status = to
	return true
}

// markSent 记录提交成功的关联信息
func (t *Ticket) markSent(xs int64, connID int) {
	t.XS = xs
	t.ConnID = connID
	t.SentFlag = true
	t.Status = StatusSent
	t.SentTime = time.Now()
}

// WinningData 提交载荷中的赔付边界块
func (t *Ticket) WinningData() map[string]interface{} {
	return map[string]interface{}{
		"limitMaxPayout": limitMaxPayout,
		"minWinning":     t.MinWinning,
		"maxWinning":     t.MinWinning,
		"minBonus":       t.MinBonus,
		"maxBonus":       t.MaxBonus,
		"winningCount":   t.WinningCount,
	}
}

// SystemBets 提交载荷中的系统投注块
func (t *Ticket) SystemBets() []map[string]interface{} {
	return []map[string]interface{}{{
		"grouping":    t.Grouping,
		"systemCount": t.SystemCount,
		"stake":       t.Stake,
		"winningData": t.WinningData(),
	}}
}

// Details 序列化为网关提交载荷的 details 部分
func (t *Ticket) Details() map[string]interface{} {
	events := make([]map[string]interface{}, 0, len(t.Events))
	for _, e := range t.Events {
		bets := make([]map[string]interface{}, 0, len(e.Bets))
		for _, b := range e.Bets {
			bets = append(bets, map[string]interface{}{
				"marketId":   b.MarketID,
				"oddId":      b.OddID,
				"oddName":    b.OddName,
				"oddValue":   b.OddValue,
				"status":     b.BetStatus,
				"profitType": b.ProfitType,
				"stake":      b.Stake,
			})
		}
		events = append(events, map[string]interface{}{
			"eventId":      e.EventID,
			"gameType":     map[string]interface{}{"val": e.GameType},
			"playlistId":   e.PlaylistID,
			"eventTime":    e.EventTime,
			"extId":        e.ExtID,
			"isBanker":     e.IsBanker,
			"finalOutcome": e.FinalOutcome,
			"bets":         bets,
			"data": map[string]interface{}{
				"classType":    "FootballTicketEventData",
				"participants": e.Participants,
				"leagueId":     e.League,
				"matchDay":     e.Week,
				"eventNdx":     e.EventNdx,
			},
		})
	}
	return map[string]interface{}{
		"events":     events,
		"systemBets": t.SystemBets(),
		"ticketType": t.Mode(),
	}
}

// Resolve 按判定结果计算赢利。单关逐项赔付（含退注/半输/半赢），
// 串关在 grouping=1 时逐项赔付，grouping>1 时要求全部命中、按总赔率赔付。
func (t *Ticket) Resolve(results Results) decimal.Decimal {
	t.TotalWon = decimal.Zero
	half := decimal.NewFromInt(2)

	if t.Mode() == ModeSingle {
		e := t.Events[0]
		outcome, ok := results[e.EventID]
		if !ok {
			return t.TotalWon
		}
		for _, b := range e.Bets {
			switch {
			case outcome.RefundStake[b.OddID]:
				t.TotalWon = t.TotalWon.Add(b.Stake)
			case outcome.HalfLost[b.OddID]:
				t.TotalWon = t.TotalWon.Add(b.Stake.Div(half))
			case outcome.HalfWon[b.OddID]:
				t.TotalWon = t.TotalWon.Add(b.Stake.Div(half).Mul(b.OddValue).Round(2))
			case outcome.Won[b.OddID]:
				t.TotalWon = t.TotalWon.Add(b.Stake.Mul(b.OddValue).Round(2))
			}
		}
		return t.TotalWon
	}

	if t.WinningCount >= 1 && t.Grouping == 1 {
		for _, e := range t.Events {
			outcome := results[e.EventID]
			for _, b := range e.Bets {
				if outcome.Won[b.OddID] {
					t.TotalWon = t.TotalWon.Add(b.Stake.Mul(b.OddValue).Round(2))
				}
			}
		}
	}
	if t.WinningCount == 1 && t.Grouping > 1 {
		totalOdd := decimal.NewFromInt(1)
		for _, e := range t.Events {
			outcome := results[e.EventID]
			for _, b := range e.Bets {
				if !outcome.Won[b.OddID] {
					// 串关有一腿未中即全败
					return t.TotalWon
				}
				totalOdd = totalOdd.Mul(b.OddValue)
			}
		}
		t.TotalWon = totalOdd.Mul(t.Stake)
	}
	return t.TotalWon
}

// CanResolve 检查结算所需的全部赛事结果是否就绪，
// 就绪时返回本票据用到的结果子集，否则返回 nil。
func (t *Ticket) CanResolve(results map[int]Results) Results {
	required := make(Results, len(t.Events))
	for _, e := range t.Events {
		week, ok := results[e.Week]
		if !ok {
			return nil
		}
		outcome, ok := week[e.EventID]
		if !ok {
			return nil
		}
		required[e.EventID] = outcome
	}
	return required
}
