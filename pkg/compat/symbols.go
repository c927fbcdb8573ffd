package compat

import "reflect"

// ImportPath — путь, под которым расширения импортируют фасад.
const ImportPath = "kingtg-userbot/pkg/compat"

// Symbols — таблица экспорта фасада для интерпретатора (ключ "path/name").
var Symbols = map[string]map[string]reflect.Value{
	ImportPath + "/compat": {
		"Version":       reflect.ValueOf(Version),
		"CommandPrefix": reflect.ValueOf(CommandPrefix),

		"Client":       reflect.ValueOf((*Client)(nil)),
		"Message":      reflect.ValueOf((*Message)(nil)),
		"Filter":       reflect.ValueOf((*Filter)(nil)),
		"Handler":      reflect.ValueOf((*Handler)(nil)),
		"HandlerID":    reflect.ValueOf((*HandlerID)(nil)),
		"CmdHelp":      reflect.ValueOf((*CmdHelp)(nil)),
		"HelpCommand":  reflect.ValueOf((*HelpCommand)(nil)),
		"HelpEntry":    reflect.ValueOf((*HelpEntry)(nil)),
		"HelpRegistry": reflect.ValueOf((*HelpRegistry)(nil)),

		"Command":       reflect.ValueOf(Command),
		"Pattern":       reflect.ValueOf(Pattern),
		"Incoming":      reflect.ValueOf(Incoming),
		"Outgoing":      reflect.ValueOf(Outgoing),
		"EditOrReply":   reflect.ValueOf(EditOrReply),
		"HumanBytes":    reflect.ValueOf(HumanBytes),
		"TimeFormatter": reflect.ValueOf(TimeFormatter),
		"ReadableTime":  reflect.ValueOf(ReadableTime),
	},
}
