// Package session 保存所有用户的会话数据：偏好、订阅、定投、限价单、跟单目标、交易记录
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/pkg/sigchan"
)

// TradeSink 交易记录的异步持久化（tradelog.Writer 实现）
type TradeSink interface {
	Enqueue(rec domain.TradeRecord)
}

// 每个用户在内存中保留的最近交易条数；完整历史由 TradeSink 落盘
const maxHistory = 500

type userData struct {
	prefs       domain.Preferences
	subs        map[domain.TriggerKind]struct{}
	recurring   map[string]domain.RecurringOrder
	trades      []domain.TradeRecord
	tradeCount  int
	limit       *domain.LimitOrder
	copyTargets map[string]domain.CopyTarget
	referral    string
}

func newUserData(uid domain.UserID) *userData {
	return &userData{
		prefs:       domain.DefaultPreferences(),
		subs:        make(map[domain.TriggerKind]struct{}),
		recurring:   make(map[string]domain.RecurringOrder),
		copyTargets: make(map[string]domain.CopyTarget),
		referral:    domain.ReferralCode(uid),
	}
}

// State 会话状态。mu 即「订单/设置锁」，所有复合修改都在锁内完成。
// 读取接口返回副本，调用方可以在锁外安全使用。
type State struct {
	mu    sync.Mutex
	users map[domain.UserID]*userData
	sink  TradeSink
	now   func() time.Time

	changed *sigchan.Chan
}

// New 创建会话状态；sink 可为 nil
func New(sink TradeSink) *State {
	return &State{
		users:   make(map[domain.UserID]*userData),
		sink:    sink,
		now:     time.Now,
		changed: sigchan.New(1),
	}
}

// TakeChanged 上次调用之后状态是否被修改过
func (s *State) TakeChanged() bool { return s.changed.Take() }

// SetSink 设置交易记录持久化
func (s *State) SetSink(sink TradeSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *State) user(uid domain.UserID) *userData {
	u, ok := s.users[uid]
	if !ok {
		u = newUserData(uid)
		s.users[uid] = u
	}
	return u
}

// ---- 偏好 ----

// Preferences 用户偏好（不存在时为默认值）
func (s *State) Preferences(uid domain.UserID) domain.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[uid]; ok {
		return u.prefs
	}
	return domain.DefaultPreferences()
}

// SetSlippage 0 < p <= 50
func (s *State) SetSlippage(uid domain.UserID, p decimal.Decimal) error {
	if !p.IsPositive() || p.GreaterThan(domain.MaxSlippage) {
		return domain.ErrInvalidSlippage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	s.user(uid).prefs.Slippage = p
	return nil
}

// ToggleAutoBuy 返回切换后的值
func (s *State) ToggleAutoBuy(uid domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	u := s.user(uid)
	u.prefs.AutoBuy = !u.prefs.AutoBuy
	return u.prefs.AutoBuy
}

// ToggleAutoSell 返回切换后的值
func (s *State) ToggleAutoSell(uid domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	u := s.user(uid)
	u.prefs.AutoSell = !u.prefs.AutoSell
	return u.prefs.AutoSell
}

// SetLanguage 设置界面语言
func (s *State) SetLanguage(uid domain.UserID, lang domain.Language) error {
	if _, ok := domain.ParseLanguage(string(lang)); !ok {
		return domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	s.user(uid).prefs.Language = lang
	return nil
}

// Referral 推荐码
func (s *State) Referral(uid domain.UserID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user(uid).referral
}

// ---- 触发订阅 ----

// Subscribe 集合语义，重复订阅返回 false
func (s *State) Subscribe(uid domain.UserID, kind domain.TriggerKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	u := s.user(uid)
	if _, ok := u.subs[kind]; ok {
		return false
	}
	u.subs[kind] = struct{}{}
	return true
}

// Unsubscribe 取消指定类型的订阅
func (s *State) Unsubscribe(uid domain.UserID, kind domain.TriggerKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	if _, ok := u.subs[kind]; !ok {
		return false
	}
	delete(u.subs, kind)
	return true
}

// UnsubscribeAll 取消全部订阅，返回取消的数量
func (s *State) UnsubscribeAll(uid domain.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	u, ok := s.users[uid]
	if !ok {
		return 0
	}
	n := len(u.subs)
	u.subs = make(map[domain.TriggerKind]struct{})
	return n
}

// Subscriptions 用户的订阅（有序）
func (s *State) Subscriptions(uid domain.UserID) []domain.TriggerKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return nil
	}
	out := make([]domain.TriggerKind, 0, len(u.subs))
	for k := range u.subs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribers 订阅了 kind 的用户快照（事件分发时调用）
func (s *State) Subscribers(kind domain.TriggerKind) []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UserID
	for uid, u := range s.users {
		if _, ok := u.subs[kind]; ok {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---- 定投 ----

// AddRecurring 保存定投订单
func (s *State) AddRecurring(o domain.RecurringOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	s.user(o.UserID).recurring[o.ID] = o
}

// RemoveRecurring 删除定投订单
func (s *State) RemoveRecurring(uid domain.UserID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	if _, ok := u.recurring[id]; !ok {
		return false
	}
	delete(u.recurring, id)
	return true
}

// RecurringOrders 用户的定投订单（按创建时间排序）
func (s *State) RecurringOrders(uid domain.UserID) []domain.RecurringOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return nil
	}
	return sortedOrders(u.recurring)
}

// AllRecurring 所有用户的定投订单（重启后重新调度用）
func (s *State) AllRecurring() []domain.RecurringOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RecurringOrder
	for _, u := range s.users {
		out = append(out, sortedOrders(u.recurring)...)
	}
	return out
}

func sortedOrders(m map[string]domain.RecurringOrder) []domain.RecurringOrder {
	out := make([]domain.RecurringOrder, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ---- 限价单（每用户一个，后写覆盖） ----

// SetLimitOrder 写入限价单，返回是否覆盖了旧的
func (s *State) SetLimitOrder(o domain.LimitOrder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = s.now()
	}
	u := s.user(o.UserID)
	replaced := u.limit != nil
	u.limit = &o
	return replaced
}

// LimitOrder 当前限价单
func (s *State) LimitOrder(uid domain.UserID) (domain.LimitOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok || u.limit == nil {
		return domain.LimitOrder{}, false
	}
	return *u.limit, true
}

// ---- 跟单 ----

// AddCopyTarget 已存在时返回 false
func (s *State) AddCopyTarget(t domain.CopyTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	u := s.user(t.UserID)
	if _, ok := u.copyTargets[t.TraderAddress]; ok {
		return false
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	u.copyTargets[t.TraderAddress] = t
	return true
}

// RemoveCopyTargets 删除用户所有跟单目标并返回
func (s *State) RemoveCopyTargets(uid domain.UserID) []domain.CopyTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.changed.Emit()
	u, ok := s.users[uid]
	if !ok {
		return nil
	}
	out := sortedTargets(u.copyTargets)
	u.copyTargets = make(map[string]domain.CopyTarget)
	return out
}

// CopyTargets 用户的跟单目标
func (s *State) CopyTargets(uid domain.UserID) []domain.CopyTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return nil
	}
	return sortedTargets(u.copyTargets)
}

// AllCopyTargets 所有跟单目标
func (s *State) AllCopyTargets() []domain.CopyTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CopyTarget
	for _, u := range s.users {
		out = append(out, sortedTargets(u.copyTargets)...)
	}
	return out
}

func sortedTargets(m map[string]domain.CopyTarget) []domain.CopyTarget {
	out := make([]domain.CopyTarget, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TraderAddress < out[j].TraderAddress })
	return out
}

// ---- 交易记录 ----

// AppendTrade 追加交易记录并异步持久化
func (s *State) AppendTrade(rec domain.TradeRecord) {
	s.mu.Lock()
	u := s.user(rec.UserID)
	u.trades = append(u.trades, rec)
	if len(u.trades) > maxHistory {
		u.trades = append([]domain.TradeRecord(nil), u.trades[len(u.trades)-maxHistory:]...)
	}
	u.tradeCount++
	// 持锁入队，落盘顺序与内存历史一致；Enqueue 不阻塞
	if s.sink != nil {
		s.sink.Enqueue(rec)
	}
	s.mu.Unlock()
	s.changed.Emit()
}

// RecentTrades 最近 n 条交易（新的在前）
func (s *State) RecentTrades(uid domain.UserID, n int) []domain.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok || n <= 0 {
		return nil
	}
	if n > len(u.trades) {
		n = len(u.trades)
	}
	out := make([]domain.TradeRecord, 0, n)
	for i := len(u.trades) - 1; i >= len(u.trades)-n; i-- {
		out = append(out, u.trades[i])
	}
	return out
}

// TradeCount 本进程内记录的交易数
func (s *State) TradeCount(uid domain.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[uid]; ok {
		return u.tradeCount
	}
	return 0
}
