package pl

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dop251/goja"
	"github.com/lib/pq"

	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/log"
)

// prelude defines the exception classes and the procedure namespace. It runs before
// any restriction is applied.
const prelude = `
function PLError(message) {
	if (!(this instanceof PLError)) return new PLError(message);
	Object.defineProperty(this, "message", {value: message === undefined ? "" : String(message), writable: true, configurable: true});
}
PLError.prototype = Object.create(Error.prototype);
Object.defineProperty(PLError.prototype, "constructor", {value: PLError, writable: true, configurable: true});
Object.defineProperty(PLError.prototype, "name", {value: "PLError", writable: true, configurable: true});

function PLCatch(message) {
	if (!(this instanceof PLCatch)) return new PLCatch(message);
	Object.defineProperty(this, "message", {value: message === undefined ? "" : String(message), writable: true, configurable: true});
}
PLCatch.prototype = Object.create(Error.prototype);
Object.defineProperty(PLCatch.prototype, "constructor", {value: PLCatch, writable: true, configurable: true});
Object.defineProperty(PLCatch.prototype, "name", {value: "PLCatch", writable: true, configurable: true});

var plproc = {};
`

// frozenGlobals are frozen, with their prototypes, from SafeFrozen up.
var frozenGlobals = []string{
	"Object", "Array", "Function", "String", "Number", "Boolean", "Symbol",
	"Error", "TypeError", "RangeError", "SyntaxError", "ReferenceError",
	"RegExp", "Date", "Math", "JSON", "PLError", "PLCatch", "pl",
}

// bootstrap creates the runtime on the first call. Later calls return at once.
func (h *Handler) bootstrap(ctx context.Context) error {
	if h.vm != nil {
		return nil
	}
	vm := goja.New()
	if _, err := vm.RunString(prelude); err != nil {
		return errors.Wrap(err, "bootstrap runtime")
	}
	h.vm = vm
	h.errorCtor = vm.Get("PLError").ToObject(vm)
	h.catchCtor = vm.Get("PLCatch").ToObject(vm)
	h.plproc = vm.Get("plproc").ToObject(vm)
	h.freeze, _ = goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))

	if err := h.installGlobals(); err != nil {
		h.vm = nil
		return errors.Wrap(err, "bootstrap runtime")
	}
	if err := h.installSingletons(ctx); err != nil {
		h.vm = nil
		return err
	}
	if err := h.restrict(h.cfg.SafeLevel); err != nil {
		h.vm = nil
		return errors.Wrap(err, "apply sandbox level")
	}
	log.Debug("pljs runtime ready", "safe_level", h.cfg.SafeLevel, "timeout", h.cfg.Timeout)
	return nil
}

func (h *Handler) installGlobals() error {
	vm := h.vm
	for _, l := range engine.Levels() {
		if err := vm.Set(l.String(), int(l)); err != nil {
			return err
		}
	}
	if err := vm.Set("warn", h.jsWarn); err != nil {
		return err
	}
	if err := vm.Set("quote", h.jsQuote); err != nil {
		return err
	}

	pl := vm.NewObject()
	funcs := map[string]func(goja.FunctionCall) goja.Value{
		"quote":       h.jsQuote,
		"warn":        h.jsWarn,
		"exec":        h.jsExec,
		"spi_exec":    h.jsExec,
		"prepare":     h.jsPrepare,
		"spi_prepare": h.jsPrepare,
		"column_name": h.jsColumnName,
		"column_type": h.jsColumnType,
		"result_name": h.jsResultName,
		"result_type": h.jsResultType,
		"result_size": h.jsResultSize,
		"push":        h.jsPush,
	}
	for name, fn := range funcs {
		if err := pl.Set(name, fn); err != nil {
			return err
		}
	}
	consts := map[string]int{
		"OK": tgOK, "SKIP": tgSkip,
		"BEFORE": tgBefore, "AFTER": tgAfter,
		"ROW": tgRow, "STATEMENT": tgStatement,
		"INSERT": tgInsert, "DELETE": tgDelete, "UPDATE": tgUpdate, "UNKNOWN": tgUnknown,
	}
	for name, v := range consts {
		if err := pl.DefineDataProperty(name, vm.ToValue(v), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}
	if err := vm.Set("pl", pl); err != nil {
		return err
	}

	h.planProto = vm.NewObject()
	methods := map[string]func(goja.FunctionCall) goja.Value{
		"exec":      h.jsExecp,
		"execp":     h.jsExecp,
		"spi_execp": h.jsExecp,
		"each":      h.jsEach,
		"fetch":     h.jsEach,
		"spi_fetch": h.jsEach,
		"release":   h.jsRelease,
	}
	for name, fn := range methods {
		if err := h.planProto.Set(name, fn); err != nil {
			return err
		}
	}
	return vm.Set("PLPlan", h.planProto)
}

// constructorProtos reach the prototypes of the function kinds that have no global
// name. Each of them carries a constructor that compiles source text.
var constructorProtos = []string{
	"Object.getPrototypeOf(async function() {})",
	"Object.getPrototypeOf(function*() {})",
	"Object.getPrototypeOf(async function*() {})",
}

// restrict locks the runtime down to level. Procedures are compiled from Go, so none
// of this gets in the way of the handler itself.
func (h *Handler) restrict(level int) error {
	vm := h.vm
	global := vm.GlobalObject()
	fnProto := vm.Get("Function").ToObject(vm).Get("prototype").ToObject(vm)
	protos := []*goja.Object{fnProto}
	for _, src := range constructorProtos {
		// Function kinds the runtime cannot parse have no constructor to block.
		if v, err := vm.RunString(src); err == nil && !nullish(v) {
			protos = append(protos, v.ToObject(vm))
		}
	}
	if level >= SafeNoEval {
		blocked := vm.ToValue(func(goja.FunctionCall) goja.Value {
			h.throwf("code generation from strings is disabled")
			return nil
		})
		for _, proto := range protos {
			if err := proto.DefineDataProperty("constructor", blocked, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
				return err
			}
		}
		if err := global.Delete("eval"); err != nil {
			return err
		}
		if err := global.Set("Function", blocked); err != nil {
			return err
		}
	}
	if level >= SafeFrozen {
		for _, name := range frozenGlobals {
			v := global.Get(name)
			if nullish(v) {
				continue
			}
			if proto := v.ToObject(vm).Get("prototype"); !nullish(proto) {
				h.freezeValue(proto)
			}
			h.freezeValue(v)
		}
		for _, proto := range protos {
			h.freezeValue(proto)
		}
		h.freezeValue(h.planProto)
	}
	if level >= SafeSealed {
		seal, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("seal"))
		if !ok {
			return errors.New("Object.seal is not a function")
		}
		if _, err := seal(goja.Undefined(), global); err != nil {
			return err
		}
	}
	return nil
}

// installSingletons defines a lazy global for every entry of the singleton table. The
// definition is read and compiled on first use.
func (h *Handler) installSingletons(ctx context.Context) error {
	table := h.cfg.SingletonTable
	if table == "" {
		return nil
	}
	res, err := h.host.Execute(ctx, "SELECT 1 FROM sqlite_schema WHERE type = 'table' AND name = "+quoteLiteral(table), 1)
	if err != nil {
		return err
	}
	if res.Processed == 0 {
		return nil
	}
	res, err = h.host.Execute(ctx, "SELECT name FROM "+pq.QuoteIdentifier(table), 0)
	if err != nil {
		return err
	}
	global := h.vm.GlobalObject()
	for _, row := range res.Table.Rows {
		if row.Nulls[0] {
			continue
		}
		name, err := h.host.Output(row.Desc.Attrs[0].Type, row.Values[0])
		if err != nil {
			return err
		}
		if !jsIdent.MatchString(name) || global.Get(name) != nil {
			continue
		}
		getter := h.vm.ToValue(func(goja.FunctionCall) goja.Value {
			return h.singleton(name)
		})
		if err := global.DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return err
		}
	}
	log.Debug("singleton methods installed", "table", table, "count", len(res.Table.Rows))
	return nil
}

// singleton compiles a singleton method the first time it is referenced.
func (h *Handler) singleton(name string) goja.Value {
	if fn, ok := h.st.singletons[name]; ok {
		return fn
	}
	query := fmt.Sprintf("SELECT args, body FROM %s WHERE name = %s", pq.QuoteIdentifier(h.cfg.SingletonTable), quoteLiteral(name))
	res, err := h.host.Execute(h.st.ctx, query, 1)
	if err != nil {
		h.throw(spiFailure("SPI_exec", err))
	}
	if res.Table == nil || len(res.Table.Rows) == 0 {
		h.throwf("undefined method `%s'", name)
	}
	row := res.Table.Rows[0]
	var parts [2]string
	for i := range parts {
		if row.Nulls[i] {
			continue
		}
		text, err := h.host.Output(row.Desc.Attrs[i].Type, row.Values[i])
		if err != nil {
			h.throw(err)
		}
		parts[i] = text
	}

	src := fmt.Sprintf("(function %s(%s) {\n%s\n})", name, parts[0], parts[1])
	var fn goja.Value
	h.st.critical(func() {
		var prg *goja.Program
		if prg, err = goja.Compile(name, src, false); err == nil {
			fn, err = h.vm.RunProgram(prg)
		}
	})
	if err != nil {
		h.throwf("cannot create internal procedure\n%s\n<<===%s\n===>>", err, src)
	}
	h.st.singletons[name] = fn
	return fn
}

// jsWarn is warn([level], msg). ERROR and FATAL abort the transaction.
func (h *Handler) jsWarn(call goja.FunctionCall) goja.Value {
	level := engine.LevelNotice
	var msg goja.Value
	switch len(call.Arguments) {
	case 2:
		n := call.Arguments[0].ToInteger()
		if _, ok := levelOf(n); !ok {
			h.throwf("invalid level %d", n)
		}
		level = engine.Level(n)
		msg = call.Arguments[1]
	case 1:
		msg = call.Arguments[0]
	default:
		h.throwf("invalid syntax")
	}
	if nullish(msg) {
		return goja.Undefined()
	}
	if err := h.host.Notice(level, msg.String()); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func levelOf(n int64) (engine.Level, bool) {
	for _, l := range engine.Levels() {
		if int64(l) == n {
			return l, true
		}
	}
	return 0, false
}

var quoter = strings.NewReplacer(`'`, `''`, `\`, `\\`)

// jsQuote doubles quotes and backslashes.
func (h *Handler) jsQuote(call goja.FunctionCall) goja.Value {
	s, ok := exportString(call.Argument(0))
	if !ok {
		h.throwf("quote: string expected")
	}
	return h.vm.ToValue(quoter.Replace(s))
}
