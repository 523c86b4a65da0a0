package session

import (
	"errors"
	"sort"
	"time"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/metrics"
	"github.com/betbot/solbot/pkg/logger"
	"github.com/betbot/solbot/pkg/persistence"
)

const snapshotVersion = 1

// UserSnapshot 单个用户可恢复的状态（交易记录在 tradelog 中，不在快照里）
type UserSnapshot struct {
	UserID        domain.UserID           `json:"user_id"`
	Preferences   domain.Preferences      `json:"preferences"`
	Subscriptions []domain.TriggerKind    `json:"subscriptions,omitempty"`
	Recurring     []domain.RecurringOrder `json:"recurring,omitempty"`
	LimitOrder    *domain.LimitOrder      `json:"limit_order,omitempty"`
	CopyTargets   []domain.CopyTarget     `json:"copy_targets,omitempty"`
	Referral      string                  `json:"referral"`
	TradeCount    int                     `json:"trade_count"`
}

// Snapshot 全量快照
type Snapshot struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Users   []UserSnapshot `json:"users"`
}

// Snapshot 导出当前状态
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Version: snapshotVersion, SavedAt: s.now().UTC()}
	for uid, u := range s.users {
		us := UserSnapshot{
			UserID:      uid,
			Preferences: u.prefs,
			Recurring:   sortedOrders(u.recurring),
			CopyTargets: sortedTargets(u.copyTargets),
			Referral:    u.referral,
			TradeCount:  u.tradeCount,
		}
		for k := range u.subs {
			us.Subscriptions = append(us.Subscriptions, k)
		}
		sort.Slice(us.Subscriptions, func(i, j int) bool { return us.Subscriptions[i] < us.Subscriptions[j] })
		if u.limit != nil {
			lo := *u.limit
			us.LimitOrder = &lo
		}
		snap.Users = append(snap.Users, us)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].UserID < snap.Users[j].UserID })
	return snap
}

// Restore 用快照替换当前状态
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[domain.UserID]*userData, len(snap.Users))
	for _, us := range snap.Users {
		u := newUserData(us.UserID)
		u.prefs = us.Preferences
		if u.prefs.Language == "" {
			u.prefs.Language = domain.LanguageEN
		}
		if !u.prefs.Slippage.IsPositive() {
			u.prefs.Slippage = domain.DefaultSlippage
		}
		for _, k := range us.Subscriptions {
			u.subs[k] = struct{}{}
		}
		for _, o := range us.Recurring {
			u.recurring[o.ID] = o
		}
		if us.LimitOrder != nil {
			lo := *us.LimitOrder
			u.limit = &lo
		}
		for _, t := range us.CopyTargets {
			u.copyTargets[t.TraderAddress] = t
		}
		if us.Referral != "" {
			u.referral = us.Referral
		}
		u.tradeCount = us.TradeCount
		s.users[us.UserID] = u
	}
}

// SaveTo 保存快照
func (s *State) SaveTo(store persistence.Store) error {
	snap := s.Snapshot()
	if err := store.Save(&snap); err != nil {
		return err
	}
	metrics.SnapshotSaves.Add(1)
	logger.Infof("会话快照已保存: users=%d", len(snap.Users))
	return nil
}

// LoadFrom 从持久化层恢复；快照不存在时返回 false
func (s *State) LoadFrom(store persistence.Store) (bool, error) {
	var snap Snapshot
	if err := store.Load(&snap); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return false, nil
		}
		return false, err
	}
	s.Restore(snap)
	metrics.SnapshotLoads.Add(1)
	logger.Infof("会话快照已恢复: users=%d saved_at=%s", len(snap.Users), snap.SavedAt.Format(time.RFC3339))
	return true, nil
}
