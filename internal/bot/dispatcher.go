package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/scheduler"
	"github.com/betbot/solbot/internal/session"
	"github.com/betbot/solbot/internal/trade"
	"github.com/betbot/solbot/internal/wallet"
	"github.com/betbot/solbot/pkg/logger"
)

// Button 内联按钮
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// Reply 一条回复；Text 为空表示不回复
type Reply struct {
	Text    string     `json:"text"`
	Buttons [][]Button `json:"buttons,omitempty"`

	retry bool // 输入校验失败，流程可以重新等待输入
}

// Empty 是否无需回复
func (r Reply) Empty() bool { return r.Text == "" }

func text(format string, args ...any) Reply {
	return Reply{Text: fmt.Sprintf(format, args...)}
}

// Wallets 钱包存储（wallet.Store 实现）
type Wallets interface {
	Connect(ctx context.Context, uid domain.UserID, secret string) (*wallet.Credential, domain.Balance, error)
	Generate(ctx context.Context, uid domain.UserID) (string, *wallet.Credential, error)
	Load(ctx context.Context, uid domain.UserID) (*wallet.Credential, error)
	WithWalletLock(ctx context.Context, fn func(wallet.Locked) error) error
}

// Pending 待输入动作（pending.Manager 实现）
type Pending interface {
	Begin(uid domain.UserID, flow domain.FlowKind) (domain.PendingAction, bool)
	Advance(uid domain.UserID, flow domain.FlowKind, step int) domain.PendingAction
	Consume(uid domain.UserID) (domain.PendingAction, error)
	Cancel(uid domain.UserID) bool
}

// Executor 下单（trade.Executor 实现）
type Executor interface {
	Execute(ctx context.Context, req trade.Request) (domain.TradeRecord, error)
}

// Scheduler 定投（scheduler.Scheduler 实现）
type Scheduler interface {
	Schedule(o domain.RecurringOrder) (*scheduler.TaskHandle, error)
	Cancel(uid domain.UserID, orderID string) bool
}

// CopyTrader 跟单（copytrade.Monitor 实现）
type CopyTrader interface {
	Start(uid domain.UserID, trader string) error
	Stop(uid domain.UserID) int
}

// PriceSource SOL/USD 价格（pricing.Oracle 实现）
type PriceSource interface {
	SOLPrice(ctx context.Context) (decimal.Decimal, error)
}

// History 持久化的交易记录（tradelog.Store 实现），可为空
type History interface {
	Count(ctx context.Context, uid domain.UserID) (int, error)
	Recent(ctx context.Context, uid domain.UserID, n int) ([]domain.TradeRecord, error)
}

// Deps 依赖
type Deps struct {
	Wallets   Wallets
	Pending   Pending
	State     *session.State
	Executor  Executor
	Scheduler Scheduler
	Copy      CopyTrader
	Prices    PriceSource
	History   History
}

// Dispatcher 命令分发
type Dispatcher struct {
	Deps
	log *logrus.Entry
}

func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{Deps: deps, log: logger.Component("bot")}
}

// fail 失败时的唯一回复
func (d *Dispatcher) fail(uid domain.UserID, op string, err error) Reply {
	entry := d.log.WithFields(logrus.Fields{"user": uid, "op": op, "kind": domain.KindOf(err)})
	if domain.KindOf(err) == domain.KindInternal {
		entry.Errorf("命令失败: %v", err)
	} else {
		entry.Infof("命令失败: %v", err)
	}
	return Reply{
		Text:  domain.UserMessage(err),
		retry: domain.KindOf(err) == domain.KindValidation && !errors.Is(err, domain.ErrRateLimited),
	}
}

// maxFlowAttempts 同一流程最多接受几次输入（第 1 次 + 重试）
const maxFlowAttempts = 3

// HandleText 处理自由文本：斜杠命令直接分发，否则作为待输入动作的回答
func (d *Dispatcher) HandleText(ctx context.Context, uid domain.UserID, msg string) Reply {
	if cmd, ok := ParseCommand(msg); ok {
		return d.Handle(ctx, uid, cmd)
	}
	pa, err := d.Pending.Consume(uid)
	if err != nil {
		return d.fail(uid, "text", err)
	}
	r := d.answer(ctx, uid, pa, strings.TrimSpace(msg))
	if r.retry && pa.Step < maxFlowAttempts {
		d.Pending.Advance(uid, pa.Flow, pa.Step+1)
		r.Text += "\n↩️ Send it again or /cancel"
	}
	return r
}

func (d *Dispatcher) answer(ctx context.Context, uid domain.UserID, pa domain.PendingAction, input string) Reply {
	switch pa.Flow {
	case domain.FlowWalletConnect, domain.FlowUploadKey:
		return d.connectWallet(ctx, uid, input)
	case domain.FlowTrade:
		return d.tradeFromText(ctx, uid, input)
	case domain.FlowCreateLimitOrder:
		return d.limitOrder(ctx, uid, input, false)
	case domain.FlowModifyLimitOrder:
		return d.limitOrder(ctx, uid, input, true)
	case domain.FlowSetSlippage:
		return d.setSlippage(uid, input)
	case domain.FlowCopyTrade:
		return d.startCopy(ctx, uid, input)
	default:
		return d.fail(uid, "text", domain.ErrInvariantViolation)
	}
}

// Handle 处理命令或按钮回调
func (d *Dispatcher) Handle(ctx context.Context, uid domain.UserID, cmd Command) Reply {
	// 带参数时直接执行，不进入多步流程
	if len(cmd.Args) > 0 {
		arg := strings.Join(cmd.Args, " ")
		switch cmd.Kind {
		case CommandTrade:
			return d.tradeFromText(ctx, uid, arg)
		case CommandSetSlippage:
			return d.setSlippage(uid, arg)
		case CommandCopyTrade:
			return d.startCopy(ctx, uid, arg)
		case CommandCreateLimit:
			return d.limitOrder(ctx, uid, arg, false)
		case CommandModifyLimit:
			return d.limitOrder(ctx, uid, arg, true)
		}
	}
	if flow, ok := flowFor(cmd.Kind); ok {
		return d.prompt(uid, flow)
	}

	switch cmd.Kind {
	case CommandStart:
		return d.start(uid)
	case CommandGenerateWallet:
		return d.generateWallet(ctx, uid)
	case CommandSniperMenu:
		return Reply{Text: "🎯 Sniper mode:", Buttons: [][]Button{
			{{Text: "Pump.fun sniper", Data: "sniperpump"}, {Text: "Moonshot sniper", Data: "snipermoonshot"}},
			{{Text: "My snipers", Data: "listallsniperpump"}, {Text: "Stop all", Data: "stopsniper"}},
		}}
	case CommandEnableSniperPump:
		return d.enableSniper(ctx, uid)
	case CommandEnableSniperMoonshot:
		return Reply{Text: "🌕 Moonshot mode not implemented yet"}
	case CommandListSnipers:
		return d.listSnipers(uid)
	case CommandDisableSniper:
		n := d.State.UnsubscribeAll(uid)
		return text("🛑 Disabled %d sniper subscription(s)", n)
	case CommandLimitMenu:
		return d.limitMenu(uid)
	case CommandCreateDCA:
		return d.createDCA(ctx, uid, cmd.Args)
	case CommandListDCA:
		return d.listDCA(uid)
	case CommandCancelDCA:
		return d.cancelDCA(uid, cmd.Args)
	case CommandStopCopyTrade:
		n := d.Copy.Stop(uid)
		return text("🛑 Stopped copying %d trader(s)", n)
	case CommandProfile:
		return d.profile(ctx, uid)
	case CommandTrades:
		return d.recentTrades(ctx, uid)
	case CommandSettings:
		return d.settings(uid)
	case CommandToggleAutoBuy:
		return text("✅ Auto Buy %s", onOff(d.State.ToggleAutoBuy(uid)))
	case CommandToggleAutoSell:
		return text("✅ Auto Sell %s", onOff(d.State.ToggleAutoSell(uid)))
	case CommandSelectLanguage:
		row := make([]Button, 0, len(domain.SupportedLanguages))
		for _, l := range domain.SupportedLanguages {
			row = append(row, Button{Text: string(l), Data: "lang_" + string(l)})
		}
		return Reply{Text: "🌍 Select Language:", Buttons: [][]Button{row}}
	case CommandSetLanguage:
		return d.setLanguage(uid, cmd.Args)
	case CommandReferral:
		return text("📨 Referral Code: %s", d.State.Referral(uid))
	case CommandBackup:
		return Reply{Text: "🔒 Settings backup is not implemented yet"}
	case CommandTip:
		return Reply{Text: "💰 Tip Tiers:\nBronze: 0.1 SOL\nSilver: 0.5 SOL\nGold: 1 SOL"}
	case CommandHelp:
		return Reply{Text: helpText}
	case CommandCancel:
		if d.Pending.Cancel(uid) {
			return Reply{Text: "❎ Cancelled"}
		}
		return d.fail(uid, "cancel", domain.ErrNoPendingAction)
	}
	return Reply{}
}

var prompts = map[domain.FlowKind]string{
	domain.FlowWalletConnect:    "💼 Send wallet details (mnemonic/private key):",
	domain.FlowUploadKey:        "🔑 Send the private key to import:",
	domain.FlowTrade:            "💱 Send: TOKEN, AMOUNT (optionally TOKEN, AMOUNT, sell)",
	domain.FlowCreateLimitOrder: "📈 Send: TOKEN, PRICE, QUANTITY",
	domain.FlowModifyLimitOrder: "✏ Send: TOKEN, PRICE, QUANTITY",
	domain.FlowSetSlippage:      "⚙ Send slippage in percent (0 < p ≤ 50):",
	domain.FlowCopyTrade:        "📋 Send the trader's Solana address:",
}

func (d *Dispatcher) prompt(uid domain.UserID, flow domain.FlowKind) Reply {
	if _, replaced := d.Pending.Begin(uid, flow); replaced {
		d.log.WithField("user", uid).Debugf("替换未完成的输入: %s", flow)
	}
	return Reply{Text: prompts[flow]}
}

func (d *Dispatcher) start(uid domain.UserID) Reply {
	return Reply{
		Text: "👋 Welcome! Connect a wallet to start trading on Solana.",
		Buttons: [][]Button{
			{{Text: "💼 Wallet", Data: "wallet"}, {Text: "🆕 New wallet", Data: "generate_wallet"}},
			{{Text: "💱 Trade", Data: "start_trading"}, {Text: "📊 Portfolio", Data: "portfolio"}},
			{{Text: "⚙ Settings", Data: "settings"}, {Text: "📚 Help", Data: "help"}},
		},
	}
}

func (d *Dispatcher) connectWallet(ctx context.Context, uid domain.UserID, secret string) Reply {
	cred, bal, err := d.Wallets.Connect(ctx, uid, secret)
	if err != nil {
		return d.fail(uid, "wallet_connect", err)
	}
	return text("✅ Wallet connected: %s\nBalance: %s SOL", cred.Address(), bal.SOL().StringFixed(4))
}

func (d *Dispatcher) generateWallet(ctx context.Context, uid domain.UserID) Reply {
	mnemonic, cred, err := d.Wallets.Generate(ctx, uid)
	if err != nil {
		return d.fail(uid, "generate_wallet", err)
	}
	return text("🆕 New wallet: %s\n\nRecovery phrase (store it offline, it will not be shown again):\n%s",
		cred.Address(), mnemonic)
}

// splitFields 按逗号（或空白）分隔
func splitFields(s string) []string {
	var parts []string
	if strings.Contains(s, ",") {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		return parts
	}
	return strings.Fields(s)
}

func parsePositive(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, domain.WrapError(domain.KindValidation, domain.ErrInvalidInput.Msg, err)
	}
	if !v.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}
	return v, nil
}

// tradeFromText "TOKEN, AMOUNT[, buy|sell]"
func (d *Dispatcher) tradeFromText(ctx context.Context, uid domain.UserID, input string) Reply {
	parts := splitFields(input)
	if len(parts) < 2 || len(parts) > 3 {
		return d.fail(uid, "trade", domain.NewError(domain.KindValidation, "expected: TOKEN, AMOUNT"))
	}
	amount, err := parsePositive(parts[1])
	if err != nil {
		return d.fail(uid, "trade", err)
	}
	action := domain.ActionBuy
	if len(parts) == 3 {
		switch strings.ToLower(parts[2]) {
		case "buy":
		case "sell":
			action = domain.ActionSell
		default:
			return d.fail(uid, "trade", domain.NewError(domain.KindValidation, "action must be buy or sell"))
		}
	}
	rec, err := d.Executor.Execute(ctx, trade.Request{
		UserID: uid,
		Token:  parts[0],
		Amount: amount,
		Action: action,
		Source: domain.SourceManual,
	})
	if err != nil {
		return d.fail(uid, "trade", err)
	}
	return text("✅ %s via %s", rec.Summary(), rec.Route)
}

// limitOrder "TOKEN, PRICE, QUANTITY"：写入唯一的限价单槽位后立即按数量下单
func (d *Dispatcher) limitOrder(ctx context.Context, uid domain.UserID, input string, modify bool) Reply {
	op := "create_limit"
	if modify {
		op = "modify_limit"
		if _, ok := d.State.LimitOrder(uid); !ok {
			return d.fail(uid, op, domain.ErrOrderNotFound)
		}
	}
	parts := splitFields(input)
	if len(parts) != 3 {
		return d.fail(uid, op, domain.NewError(domain.KindValidation, "expected: TOKEN, PRICE, QUANTITY"))
	}
	price, err := parsePositive(parts[1])
	if err != nil {
		return d.fail(uid, op, err)
	}
	qty, err := parsePositive(parts[2])
	if err != nil {
		return d.fail(uid, op, err)
	}
	d.State.SetLimitOrder(domain.LimitOrder{UserID: uid, Token: parts[0], Price: price, Quantity: qty})

	rec, err := d.Executor.Execute(ctx, trade.Request{
		UserID: uid,
		Token:  parts[0],
		Amount: qty,
		Action: domain.ActionBuy,
		Source: domain.SourceLimit,
	})
	if err != nil {
		return Reply{Text: fmt.Sprintf("📈 Limit order saved: %s @ %s x %s\n%s",
			parts[0], price, qty, domain.UserMessage(err))}
	}
	return text("📈 Limit order saved: %s @ %s x %s\n✅ %s", parts[0], price, qty, rec.Summary())
}

func (d *Dispatcher) setSlippage(uid domain.UserID, input string) Reply {
	v, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(input), "%"))
	if err != nil {
		return d.fail(uid, "slippage", domain.WrapError(domain.KindValidation, domain.ErrInvalidSlippage.Msg, err))
	}
	if err := d.State.SetSlippage(uid, v); err != nil {
		return d.fail(uid, "slippage", err)
	}
	return text("✅ Slippage set to %s%%", v)
}

func (d *Dispatcher) startCopy(ctx context.Context, uid domain.UserID, addr string) Reply {
	addr = strings.TrimSpace(addr)
	if _, err := d.Wallets.Load(ctx, uid); err != nil {
		return d.fail(uid, "copy_trade", err)
	}
	if err := d.Copy.Start(uid, addr); err != nil {
		return d.fail(uid, "copy_trade", err)
	}
	return text("📋 Copy trading started for %s", addr)
}

func (d *Dispatcher) enableSniper(ctx context.Context, uid domain.UserID) Reply {
	if _, err := d.Wallets.Load(ctx, uid); err != nil {
		return d.fail(uid, "sniper", err)
	}
	if !d.State.Subscribe(uid, domain.TriggerPump) {
		return Reply{Text: "🎯 Pump.fun sniper is already active"}
	}
	return Reply{Text: "🎯 Pump.fun sniper activated"}
}

func (d *Dispatcher) listSnipers(uid domain.UserID) Reply {
	subs := d.State.Subscriptions(uid)
	if len(subs) == 0 {
		return Reply{Text: "🎯 No active snipers"}
	}
	var b strings.Builder
	b.WriteString("🎯 Active snipers:")
	for _, k := range subs {
		b.WriteString("\n• " + string(k))
	}
	return Reply{Text: b.String()}
}

func (d *Dispatcher) limitMenu(uid domain.UserID) Reply {
	r := Reply{Buttons: [][]Button{{{Text: "Create", Data: "create_limit"}, {Text: "Modify", Data: "modify_limit"}}}}
	if lo, ok := d.State.LimitOrder(uid); ok {
		r.Text = fmt.Sprintf("📈 Limit order: %s @ %s x %s", lo.Token, lo.Price, lo.Quantity)
	} else {
		r.Text = "📈 No limit order"
	}
	return r
}

// createDCA /createdca TOKEN AMOUNT INTERVAL
func (d *Dispatcher) createDCA(ctx context.Context, uid domain.UserID, args []string) Reply {
	if len(args) != 3 {
		return d.fail(uid, "create_dca", domain.NewError(domain.KindValidation, "usage: /createdca TOKEN AMOUNT INTERVAL"))
	}
	if _, err := d.Wallets.Load(ctx, uid); err != nil {
		return d.fail(uid, "create_dca", err)
	}
	amount, err := parsePositive(args[1])
	if err != nil {
		return d.fail(uid, "create_dca", err)
	}
	interval, err := parsePositive(args[2])
	if err != nil || !interval.IsInteger() || interval.GreaterThan(decimal.NewFromInt(domain.MaxIntervalSeconds)) {
		return d.fail(uid, "create_dca", domain.ErrInvalidInterval)
	}
	h, err := d.Scheduler.Schedule(domain.RecurringOrder{
		UserID:          uid,
		Token:           args[0],
		Amount:          amount,
		IntervalSeconds: interval.IntPart(),
	})
	if err != nil {
		return d.fail(uid, "create_dca", err)
	}
	return text("🔁 DCA order created: %s SOL of %s every %ds (id %s)", amount, args[0], h.Order.IntervalSeconds, h.Order.ID)
}

func (d *Dispatcher) listDCA(uid domain.UserID) Reply {
	orders := d.State.RecurringOrders(uid)
	if len(orders) == 0 {
		return Reply{Text: "🔁 No DCA orders"}
	}
	r := Reply{}
	var b strings.Builder
	b.WriteString("🔁 DCA orders:")
	for _, o := range orders {
		fmt.Fprintf(&b, "\n• %s SOL of %s every %ds", o.Amount, o.Token, o.IntervalSeconds)
		r.Buttons = append(r.Buttons, []Button{{Text: "Cancel " + o.Token, Data: "canceldca_" + o.ID}})
	}
	r.Text = b.String()
	return r
}

func (d *Dispatcher) cancelDCA(uid domain.UserID, args []string) Reply {
	if len(args) != 1 || !d.Scheduler.Cancel(uid, args[0]) {
		return d.fail(uid, "cancel_dca", domain.ErrOrderNotFound)
	}
	return Reply{Text: "🛑 DCA order cancelled"}
}

func (d *Dispatcher) profile(ctx context.Context, uid domain.UserID) Reply {
	var (
		cred *wallet.Credential
		bal  domain.Balance
	)
	err := d.Wallets.WithWalletLock(ctx, func(l wallet.Locked) error {
		var err error
		if cred, err = l.Load(uid); err != nil {
			return err
		}
		bal, err = l.Balance(cred)
		return err
	})
	if err != nil {
		return d.fail(uid, "profile", err)
	}
	sol := bal.SOL()
	usd := "n/a"
	if d.Prices != nil {
		if p, err := d.Prices.SOLPrice(ctx); err == nil {
			usd = "$" + sol.Mul(p).StringFixed(2)
		} else {
			d.log.WithField("user", uid).Warnf("获取价格失败: %v", err)
		}
	}
	return text("📊 Portfolio\nAddress: %s\nBalance: %s SOL (%s)\nTrades: %d",
		cred.Address(), sol.StringFixed(4), usd, d.tradeCount(ctx, uid))
}

func (d *Dispatcher) tradeCount(ctx context.Context, uid domain.UserID) int {
	if d.History != nil {
		n, err := d.History.Count(ctx, uid)
		if err == nil {
			return n
		}
		d.log.WithField("user", uid).Warnf("读取交易记录失败: %v", err)
	}
	return d.State.TradeCount(uid)
}

func (d *Dispatcher) recentTrades(ctx context.Context, uid domain.UserID) Reply {
	var recs []domain.TradeRecord
	if d.History != nil {
		var err error
		if recs, err = d.History.Recent(ctx, uid, 3); err != nil {
			d.log.WithField("user", uid).Warnf("读取交易记录失败: %v", err)
			recs = nil
		}
	}
	if recs == nil {
		recs = d.State.RecentTrades(uid, 3)
	}
	if len(recs) == 0 {
		return Reply{Text: "📜 No trades yet"}
	}
	var b strings.Builder
	b.WriteString("📜 Recent trades:")
	for _, r := range recs {
		fmt.Fprintf(&b, "\n• %s (%s, %s)", r.Summary(), r.Source, r.Timestamp.UTC().Format("2006-01-02 15:04"))
	}
	return Reply{Text: b.String()}
}

func (d *Dispatcher) settings(uid domain.UserID) Reply {
	p := d.State.Preferences(uid)
	return Reply{
		Text: fmt.Sprintf("⚙ Settings:\nSlippage: %s%%\nAuto Buy: %s\nAuto Sell: %s\nLanguage: %s",
			p.Slippage, onOff(p.AutoBuy), onOff(p.AutoSell), p.Language),
		Buttons: [][]Button{
			{{Text: "Auto Buy", Data: "autobuy"}, {Text: "Auto Sell", Data: "autosell"}},
			{{Text: "Slippage", Data: "slippage"}},
		},
	}
}

func (d *Dispatcher) setLanguage(uid domain.UserID, args []string) Reply {
	if len(args) != 1 {
		return d.fail(uid, "language", domain.ErrInvalidInput)
	}
	lang, ok := domain.ParseLanguage(strings.ToUpper(args[0]))
	if !ok {
		return d.fail(uid, "language", domain.NewError(domain.KindValidation, "unsupported language"))
	}
	if err := d.State.SetLanguage(uid, lang); err != nil {
		return d.fail(uid, "language", err)
	}
	return text("🌍 Language set to %s", lang)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

const helpText = "📚 Help Center\n\n" +
	"1. Connect your wallet: /wallet, then send your 12/24-word mnemonic or private key.\n" +
	"2. Trade: /buysell TOKEN, AMOUNT\n" +
	"3. Snipe new tokens: /sniper\n" +
	"4. DCA: /createdca TOKEN AMOUNT INTERVAL (e.g. /createdca SOL 0.1 3600)\n" +
	"5. Copy trade: /copytrade ADDRESS\n" +
	"6. Portfolio: /profile, recent trades: /trades\n" +
	"7. Settings: /settings, language: /selectlang\n" +
	"/cancel aborts the current input."
