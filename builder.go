package pva

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pvalab/pva/pva_errors"
	"github.com/pvalab/pva/pvdata"
	"github.com/pvalab/pva/utils"
)

// fieldArg is one entry of a field-map PUT or an RPC argument list.
type fieldArg struct {
	val      *pvdata.Value
	required bool
}

// fieldArgs collects named values in user insertion order.
type fieldArgs struct {
	names  []string
	values map[string]fieldArg
}

func (a *fieldArgs) set(name string, x any, required bool) error {
	if a.values == nil {
		a.values = make(map[string]fieldArg)
	}
	if _, dup := a.values[name]; dup {
		return fmt.Errorf("%w: %q", pva_errors.ErrDuplicateField, name)
	}
	v, err := pvdata.FromAny(x)
	if err != nil {
		return err
	}
	a.names = append(a.names, name)
	a.values[name] = fieldArg{val: v, required: required}
	return nil
}

// build is the materialized PUT builder: walk the server prototype by
// field path and copy each value in with coercion. A required field
// whose path is absent, or whose conversion fails, fails the build;
// others are silently skipped. Does not depend on the current server
// value, which is why a field-map PUT never runs the GET phase.
func (a *fieldArgs) build(prototype *pvdata.Value) (*pvdata.Value, error) {
	ret := prototype.CloneEmpty()

	for _, name := range a.names {
		fa := a.values[name]
		fld := ret.Lookup(name)
		if fld == nil {
			if fa.required {
				return nil, fmt.Errorf("%w: server type missing required field %q", pvdata.ErrNoConvert, name)
			}
			continue
		}
		if err := fld.SetFrom(fa.val); err != nil {
			if fa.required {
				return nil, err
			}
		}
	}
	return ret, nil
}

// uriArgs assembles the NTURI carrying RPC arguments: the query
// structure holds one member per argument in insertion order; path is
// filled in with the PV name at exec.
func (a *fieldArgs) uriArgs() (*pvdata.Value, error) {
	qfields := make([]pvdata.Field, 0, len(a.names))
	for _, name := range a.names {
		qfields = append(qfields, pvdata.Field{Name: name, Type: a.values[name].val.Type()})
	}

	td := pvdata.StructOf("epics:nt/NTURI:1.0",
		pvdata.Field{Name: "scheme", Type: pvdata.Scalar(pvdata.String)},
		pvdata.Field{Name: "authority", Type: pvdata.Scalar(pvdata.String)},
		pvdata.Field{Name: "path", Type: pvdata.Scalar(pvdata.String)},
		pvdata.Field{Name: "query", Type: pvdata.StructOf("", qfields...)},
	)

	inst := pvdata.New(td)
	if err := inst.Set("scheme", "pva"); err != nil {
		return nil, err
	}
	for _, name := range a.names {
		if err := inst.Field("query").Field(name).SetFrom(a.values[name].val); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// builderBase collects what every operation builder shares: the target
// name, requested fields and processing options for the pvRequest, and
// the optional callbacks.
type builderBase struct {
	ctx  *Context
	name string

	reqFields  []string
	reqOptions map[string]string

	onInit func(*pvdata.Value) error
	result func(Result)

	err error // first collection error, surfaced at Exec
}

func (b *builderBase) field(path string) {
	b.reqFields = append(b.reqFields, path)
}

func (b *builderBase) record(opt, val string) {
	if b.reqOptions == nil {
		b.reqOptions = make(map[string]string)
	}
	b.reqOptions[opt] = val
}

// buildReq assembles the pvRequest: a field selection tree plus record
// options, mirroring "field(a.b,c)record[opt=val]".
func (b *builderBase) buildReq() *pvdata.Value {
	fieldTD := fieldTree(b.reqFields)

	members := []pvdata.Field{{Name: "field", Type: fieldTD}}
	var optNames []string
	if len(b.reqOptions) > 0 {
		opts := make([]pvdata.Field, 0, len(b.reqOptions))
		for opt := range b.reqOptions {
			optNames = append(optNames, opt)
		}
		sort.Strings(optNames)
		for _, opt := range optNames {
			opts = append(opts, pvdata.Field{Name: opt, Type: pvdata.Scalar(pvdata.String)})
		}
		members = append(members, pvdata.Field{
			Name: "record",
			Type: pvdata.StructOf("", pvdata.Field{Name: "_options", Type: pvdata.StructOf("", opts...)}),
		})
	}

	req := pvdata.New(pvdata.StructOf("", members...))
	for _, opt := range optNames {
		req.Set("record._options."+opt, b.reqOptions[opt])
	}
	return req
}

// fieldTree turns selection paths into a tree of empty structures.
func fieldTree(paths []string) *pvdata.TypeDescr {
	type node struct {
		order []string
		kids  map[string]*node
	}
	root := &node{kids: map[string]*node{}}
	for _, p := range paths {
		cur := root
		for _, part := range strings.Split(p, ".") {
			next, ok := cur.kids[part]
			if !ok {
				next = &node{kids: map[string]*node{}}
				cur.kids[part] = next
				cur.order = append(cur.order, part)
			}
			cur = next
		}
	}
	var descr func(n *node) *pvdata.TypeDescr
	descr = func(n *node) *pvdata.TypeDescr {
		fields := make([]pvdata.Field, 0, len(n.order))
		for _, name := range n.order {
			fields = append(fields, pvdata.Field{Name: name, Type: descr(n.kids[name])})
		}
		return pvdata.StructOf("", fields...)
	}
	return descr(root)
}

// exec is the shared tail of every GET/PUT/RPC builder: resolve the
// channel, construct and enqueue the operation, wrap it in a handle.
func (b *builderBase) exec(prep func(op *gprOp)) (Operation, error) {
	if b.ctx == nil {
		return nil, pva_errors.ErrNilContext
	}
	if b.err != nil {
		return nil, b.err
	}

	var ret Operation
	err := b.ctx.loop.Call(func() {
		ch := buildChannel(b.ctx, b.name)

		op := newGPROp(OpGet, ch)
		op.setDone(b.result, b.onInit)
		prep(op)
		op.pvRequest = b.buildReq()
		b.ctx.opsActive.Add(1)

		ch.pending = append(ch.pending, op)
		ch.createOperations()

		ret = newOpHandle(op)
	})
	if err != nil {
		if errors.Is(err, utils.ErrReentrantCall) {
			return nil, err
		}
		return nil, pva_errors.ErrContextClosed
	}
	return ret, nil
}

// GetBuilder prepares a GET operation.
type GetBuilder struct {
	builderBase
}

func (c *Context) Get(name string) *GetBuilder {
	b := &GetBuilder{}
	b.ctx = c
	b.name = name
	return b
}

// Field adds a dot-separated path to the pvRequest field selection.
func (b *GetBuilder) Field(path string) *GetBuilder {
	b.field(path)
	return b
}

// Record adds a processing option to the pvRequest.
func (b *GetBuilder) Record(opt, val string) *GetBuilder {
	b.record(opt, val)
	return b
}

// OnInit installs a callback receiving the prototype delivered at INIT.
func (b *GetBuilder) OnInit(fn func(*pvdata.Value) error) *GetBuilder {
	b.onInit = fn
	return b
}

// Result installs the completion callback. Without one, use
// Operation.Wait.
func (b *GetBuilder) Result(fn func(Result)) *GetBuilder {
	b.result = fn
	return b
}

func (b *GetBuilder) Exec() (Operation, error) {
	return b.exec(func(op *gprOp) {
		op.kind = OpGet
	})
}

// PutBuilder prepares a PUT operation: either a builder closure invoked
// with the (optionally fetched) current value, or a field map applied to
// the server's prototype.
type PutBuilder struct {
	builderBase

	builder func(*pvdata.Value) (*pvdata.Value, error)
	args    fieldArgs
	doGet   bool
}

func (c *Context) Put(name string) *PutBuilder {
	b := &PutBuilder{doGet: true}
	b.ctx = c
	b.name = name
	return b
}

func (b *PutBuilder) Field(path string) *PutBuilder {
	b.field(path)
	return b
}

func (b *PutBuilder) Record(opt, val string) *PutBuilder {
	b.record(opt, val)
	return b
}

// Set assigns a required field by path; the PUT fails if the server type
// misses it or the value does not convert.
func (b *PutBuilder) Set(name string, val any) *PutBuilder {
	if err := b.args.set(name, val, true); err != nil && b.err == nil {
		b.err = err
	}
	return b
}

// TrySet assigns a best-effort field: silently skipped when absent or
// inconvertible.
func (b *PutBuilder) TrySet(name string, val any) *PutBuilder {
	if err := b.args.set(name, val, false); err != nil && b.err == nil {
		b.err = err
	}
	return b
}

// Build installs a builder closure receiving the PV's current value.
func (b *PutBuilder) Build(fn func(current *pvdata.Value) (*pvdata.Value, error)) *PutBuilder {
	b.builder = fn
	return b
}

// FetchPresent controls whether the current value is fetched before the
// builder runs. On by default; ignored (forced off) for field-map puts.
func (b *PutBuilder) FetchPresent(f bool) *PutBuilder {
	b.doGet = f
	return b
}

func (b *PutBuilder) OnInit(fn func(*pvdata.Value) error) *PutBuilder {
	b.onInit = fn
	return b
}

func (b *PutBuilder) Result(fn func(Result)) *PutBuilder {
	b.result = fn
	return b
}

func (b *PutBuilder) Exec() (Operation, error) {
	if b.builder == nil && len(b.args.names) == 0 {
		return nil, pva_errors.ErrPutNeedsValue
	}

	builder := b.builder
	doGet := b.doGet
	if builder == nil {
		// the field map is defined not to depend on the current value
		doGet = false
		args := b.args
		builder = args.build
	}

	return b.exec(func(op *gprOp) {
		op.kind = OpPut
		op.builder = builder
		op.getOput = doGet
	})
}

// RPCBuilder prepares an RPC operation with either a positional argument
// value or named NTURI query arguments.
type RPCBuilder struct {
	builderBase

	argument *pvdata.Value
	args     fieldArgs
}

func (c *Context) RPC(name string, arg *pvdata.Value) *RPCBuilder {
	b := &RPCBuilder{argument: arg}
	b.ctx = c
	b.name = name
	return b
}

// Arg adds a named argument to the NTURI query structure.
func (b *RPCBuilder) Arg(name string, val any) *RPCBuilder {
	if err := b.args.set(name, val, true); err != nil && b.err == nil {
		b.err = err
	}
	return b
}

func (b *RPCBuilder) Record(opt, val string) *RPCBuilder {
	b.record(opt, val)
	return b
}

func (b *RPCBuilder) OnInit(fn func(*pvdata.Value) error) *RPCBuilder {
	b.onInit = fn
	return b
}

func (b *RPCBuilder) Result(fn func(Result)) *RPCBuilder {
	b.result = fn
	return b
}

func (b *RPCBuilder) Exec() (Operation, error) {
	if b.argument != nil && len(b.args.names) > 0 {
		return nil, pva_errors.ErrRPCArgConflict
	}

	rpcArg := b.argument
	if rpcArg == nil && len(b.args.names) > 0 {
		uri, err := b.args.uriArgs()
		if err != nil {
			return nil, err
		}
		if err := uri.Set("path", b.name); err != nil {
			return nil, err
		}
		rpcArg = uri
	}

	return b.exec(func(op *gprOp) {
		op.kind = OpRPC
		op.rpcArg = rpcArg
	})
}
