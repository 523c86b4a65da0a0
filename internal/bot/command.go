// Package bot 把用户命令、按钮回调和自由文本转换为对核心组件的调用，并生成回复
package bot

import (
	"strings"

	"github.com/betbot/solbot/internal/domain"
)

// CommandKind 命令类型
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandStart
	CommandWallet
	CommandGenerateWallet
	CommandUploadKey
	CommandTrade
	CommandSniperMenu
	CommandEnableSniperPump
	CommandEnableSniperMoonshot
	CommandListSnipers
	CommandDisableSniper
	CommandLimitMenu
	CommandCreateLimit
	CommandModifyLimit
	CommandCreateDCA
	CommandListDCA
	CommandCancelDCA
	CommandCopyTrade
	CommandStopCopyTrade
	CommandProfile
	CommandTrades
	CommandSettings
	CommandToggleAutoBuy
	CommandToggleAutoSell
	CommandSetSlippage
	CommandSelectLanguage
	CommandSetLanguage
	CommandReferral
	CommandBackup
	CommandTip
	CommandHelp
	CommandCancel
)

// Command 一次用户操作
type Command struct {
	Kind CommandKind
	Args []string
}

// 斜杠命令名
var commandNames = map[string]CommandKind{
	"start":       CommandStart,
	"wallet":      CommandWallet,
	"newwallet":   CommandGenerateWallet,
	"uploadkey":   CommandUploadKey,
	"buysell":     CommandTrade,
	"sniper":      CommandSniperMenu,
	"listsnipers": CommandListSnipers,
	"stopsniper":  CommandDisableSniper,
	"limitorders": CommandLimitMenu,
	"createlimit": CommandCreateLimit,
	"modifylimit": CommandModifyLimit,
	"createdca":   CommandCreateDCA,
	"dcaorders":   CommandListDCA,
	"canceldca":   CommandCancelDCA,
	"copytrade":   CommandCopyTrade,
	"stopcopy":    CommandStopCopyTrade,
	"profile":     CommandProfile,
	"trades":      CommandTrades,
	"settings":    CommandSettings,
	"slippage":    CommandSetSlippage,
	"selectlang":  CommandSelectLanguage,
	"referral":    CommandReferral,
	"backupbots":  CommandBackup,
	"tip":         CommandTip,
	"help":        CommandHelp,
	"cancel":      CommandCancel,
}

// 按钮回调
var callbackNames = map[string]CommandKind{
	"wallet":            CommandWallet,
	"generate_wallet":   CommandGenerateWallet,
	"start_trading":     CommandTrade,
	"portfolio":         CommandProfile,
	"settings":          CommandSettings,
	"help":              CommandHelp,
	"sniperpump":        CommandEnableSniperPump,
	"snipermoonshot":    CommandEnableSniperMoonshot,
	"listallsniperpump": CommandListSnipers,
	"stopsniper":        CommandDisableSniper,
	"autobuy":           CommandToggleAutoBuy,
	"autosell":          CommandToggleAutoSell,
	"slippage":          CommandSetSlippage,
	"create_limit":      CommandCreateLimit,
	"modify_limit":      CommandModifyLimit,
	"copytrade":         CommandCopyTrade,
	"cancel":            CommandCancel,
}

// ParseCommand 解析 "/createdca SOL 0.1 60" 这类文本；不是命令时 ok=false
func ParseCommand(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return Command{}, false
	}
	name := strings.ToLower(fields[0])
	// 群聊中的 /cmd@botname
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return Command{Kind: commandNames[name], Args: fields[1:]}, true
}

// CommandByName 按名称查找命令（HTTP 接口使用），未知返回 CommandUnknown
func CommandByName(name string, args []string) Command {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	if k, ok := commandNames[name]; ok {
		return Command{Kind: k, Args: args}
	}
	return ParseCallback(name)
}

// ParseCallback 解析按钮回调数据；未知回调返回 CommandUnknown
func ParseCallback(data string) Command {
	data = strings.TrimSpace(data)
	if lang, ok := strings.CutPrefix(data, "lang_"); ok {
		return Command{Kind: CommandSetLanguage, Args: []string{lang}}
	}
	if id, ok := strings.CutPrefix(data, "canceldca_"); ok {
		return Command{Kind: CommandCancelDCA, Args: []string{id}}
	}
	return Command{Kind: callbackNames[data]}
}

// flowFor 需要等待下一条文本输入的命令
func flowFor(k CommandKind) (domain.FlowKind, bool) {
	switch k {
	case CommandWallet:
		return domain.FlowWalletConnect, true
	case CommandUploadKey:
		return domain.FlowUploadKey, true
	case CommandTrade:
		return domain.FlowTrade, true
	case CommandCreateLimit:
		return domain.FlowCreateLimitOrder, true
	case CommandModifyLimit:
		return domain.FlowModifyLimitOrder, true
	case CommandSetSlippage:
		return domain.FlowSetSlippage, true
	case CommandCopyTrade:
		return domain.FlowCopyTrade, true
	}
	return 0, false
}
