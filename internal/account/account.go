// Package account 维护单用户的资金视图：真实余额、演示余额、
// 累计注额与红利（jackpot）进度。所有金额运算使用 decimal。
package account

import (
	"sync"

	"github.com/shopspring/decimal"
)

// 最小投注额
var minBetAmount = decimal.NewFromInt(5)

// bonusLevels 红利层级的上限额度
var bonusLevels = []decimal.Decimal{
	decimal.NewFromInt(100),
	decimal.NewFromInt(250),
	decimal.NewFromInt(500),
	decimal.NewFromInt(1000),
	decimal.NewFromInt(5000),
	decimal.NewFromInt(25000),
}

// bonusReadyThreshold 顶层红利触发阈值（百分比）
var bonusReadyThreshold = decimal.NewFromFloat(99.3)

// Manager 单用户资金管理器
type Manager struct {
	mu sync.Mutex

	credit     decimal.Decimal
	demoCredit decimal.Decimal
	lostAmount decimal.Decimal
	wonAmount  decimal.Decimal
	totalStake decimal.Decimal

	bonusLevel    int
	bonusMode     bool
	bonusTotal    decimal.Decimal
	jackpotAmount decimal.Decimal
}

// NewManager 创建资金管理器，演示余额预置
func NewManager() *Manager {
	return &Manager{
		demoCredit:    decimal.NewFromInt(100000),
		jackpotAmount: decimal.NewFromInt(25),
	}
}

// Credit 当前真实余额
func (m *Manager) Credit() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credit
}

// DemoCredit 当前演示余额
func (m *Manager) DemoCredit() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.demoCredit
}

// Update 以网关回报的余额覆盖本地值
func (m *Manager) Update(credit decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit = credit
}

// Fund 充值
func (m *Manager) Fund(amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit = m.credit.Add(amount)
}

// DemoBorrow 演示票据扣款
func (m *Manager) DemoBorrow(stake decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.demoCredit = m.demoCredit.Sub(stake)
}

// RecordStake 累计注额（红利进度依据）
func (m *Manager) RecordStake(stake decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalStake = m.totalStake.Add(stake)
}

// TotalStake 累计注额
func (m *Manager) TotalStake() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalStake
}

// OnWin 结算赢利入账
func (m *Manager) OnWin(won decimal.Decimal, demo bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wonAmount = m.wonAmount.Add(won)
	if demo {
		m.demoCredit = m.demoCredit.Add(won)
	}
}

// OnLoss 结算输掉的注额
func (m *Manager) OnLoss(stake decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostAmount = m.lostAmount.Add(stake)
}

// BonusLevel 当前红利层级，未知时为 -1
func (m *Manager) BonusLevel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bonusLevel
}

// SetBonusLevel 网关会话状态回写层级；负值表示未参与
func (m *Manager) SetBonusLevel(level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bonusLevel = level
}

// JackpotAmount 当前累积红利
func (m *Manager) JackpotAmount() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jackpotAmount
}

// SetJackpotAmount 网关会话状态回写红利额
func (m *Manager) SetJackpotAmount(amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jackpotAmount = amount
}

// JackpotValue 红利进度百分比（相对当前层级上限）
func (m *Manager) JackpotValue() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bonusLevel < 0 || m.bonusLevel >= len(bonusLevels) {
		return decimal.Zero
	}
	top := bonusLevels[m.bonusLevel]
	return m.jackpotAmount.Div(top).Mul(decimal.NewFromInt(100)).Round(2)
}

// IsBonusReady 红利是否就绪：bonus 模式看累计注额，
// 否则只有顶层且进度达到阈值才触发。
func (m *Manager) IsBonusReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bonusMode {
		return m.totalStake.GreaterThanOrEqual(m.bonusTotal)
	}
	if m.bonusLevel == len(bonusLevels)-1 {
		top := bonusLevels[len(bonusLevels)-1]
		progress := m.jackpotAmount.Div(top).Mul(decimal.NewFromInt(100))
		return progress.GreaterThanOrEqual(bonusReadyThreshold)
	}
	return false
}

// SetBonusMode 以固定注额目标开启 bonus 模式
func (m *Manager) SetBonusMode(enabled bool, total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bonusMode = enabled
	m.bonusTotal = total
}

// NormalizeAmount 把注额夹到游戏设置允许的区间内，且不低于最小注额
func (m *Manager) NormalizeAmount(amount, minStake, maxStake decimal.Decimal) decimal.Decimal {
	if minStake.IsPositive() && amount.LessThan(minStake) {
		amount = minStake
	}
	if maxStake.IsPositive() && amount.GreaterThan(maxStake) {
		amount = maxStake
	}
	if amount.LessThan(minBetAmount) {
		amount = minBetAmount
	}
	return amount.Round(2)
}
