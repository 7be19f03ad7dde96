package pva

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvalab/pva/protocol"
	"github.com/pvalab/pva/pvdata"
)

func TestNTURIConstruction(t *testing.T) {
	var a fieldArgs
	require.NoError(t, a.set("entity", "motor:1", true))
	require.NoError(t, a.set("count", 5, true))
	require.NoError(t, a.set("rate", 2.5, true))

	uri, err := a.uriArgs()
	require.NoError(t, err)
	require.NoError(t, uri.Set("path", "pv:service"))

	assert.Equal(t, "pva", uri.Lookup("scheme").Str())
	assert.Equal(t, "pv:service", uri.Lookup("path").Str())

	// query members keep user insertion order
	q := uri.Field("query")
	require.NotNil(t, q)
	names := make([]string, 0, len(q.Type().Fields))
	for _, f := range q.Type().Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"entity", "count", "rate"}, names)

	assert.Equal(t, "motor:1", q.Field("entity").Str())
	assert.Equal(t, int64(5), q.Field("count").Int())
	assert.Equal(t, 2.5, q.Field("rate").Float())
}

func TestFieldMapBuildRoundTrip(t *testing.T) {
	proto := pvdata.New(pvdata.StructOf("s",
		pvdata.Field{Name: "value", Type: pvdata.Scalar(pvdata.Float64)},
		pvdata.Field{Name: "alarm", Type: pvdata.StructOf("alarm_t",
			pvdata.Field{Name: "severity", Type: pvdata.Scalar(pvdata.Int32)},
		)},
	))

	var a fieldArgs
	require.NoError(t, a.set("value", 6.5, true))
	require.NoError(t, a.set("alarm.severity", 1, true))
	require.NoError(t, a.set("extra", "ignored", false))

	built, err := a.build(proto)
	require.NoError(t, err)
	assert.Equal(t, 6.5, built.Lookup("value").Float())
	assert.Equal(t, int64(1), built.Lookup("alarm.severity").Int())

	// serialize then decode as the server would, against the same type
	w := protocol.NewWriteBuf(false)
	pvdata.WriteValid(w, built)
	decoded := proto.CloneEmpty()
	r := protocol.NewReadBuf(false, w.Bytes())
	pvdata.ReadValid(r, decoded)
	require.True(t, r.Good())
	assert.Equal(t, 6.5, decoded.Lookup("value").Float())
	assert.Equal(t, int64(1), decoded.Lookup("alarm.severity").Int())
}

func TestBuildReqFieldTree(t *testing.T) {
	b := &builderBase{}
	b.field("value")
	b.field("alarm.severity")
	b.field("alarm.message")
	b.record("process", "true")

	req := b.buildReq()

	fld := req.Field("field")
	require.NotNil(t, fld)
	assert.NotNil(t, fld.Field("value"))
	assert.NotNil(t, fld.Lookup("alarm.severity"))
	assert.NotNil(t, fld.Lookup("alarm.message"))
	assert.Nil(t, fld.Lookup("alarm.nosuch"))

	assert.Equal(t, "true", req.Lookup("record._options.process").Str())
}

func TestRPCHappyPath(t *testing.T) {
	rig := newTestRig(t, "pv:rpc")

	results := make(chan Result, 1)
	_, err := rig.c.RPC("pv:rpc", nil).
		Arg("count", 3).
		Result(func(r Result) { results <- r }).
		Exec()
	require.NoError(t, err)

	init := rig.takeFrames(t, 1)[0]
	assert.Equal(t, protocol.CmdRPC, init.cmd)
	_, ioid, subcmd, _ := parseGPR(t, init)
	assert.Equal(t, protocol.SubInit, subcmd)

	// the RPC INIT reply carries no type
	rig.reply(t, protocol.CmdRPC, func(w *protocol.WriteBuf) {
		w.PutU32(ioid)
		w.PutU8(protocol.SubInit)
		protocol.PutStatus(w, protocol.Status{Code: protocol.StatusOK})
	})

	exec := rig.takeFrames(t, 1)[0]
	assert.Equal(t, protocol.CmdRPC, exec.cmd)
	_, _, subcmd, rest := parseGPR(t, exec)
	assert.Equal(t, protocol.SubExec, subcmd)

	// the NTURI argument rides full-encoded; decode it as the server
	arg := pvdata.ReadFull(rest, pvdata.NewRegistry())
	require.True(t, rest.Good())
	require.NotNil(t, arg)
	assert.Equal(t, "pv:rpc", arg.Lookup("path").Str())
	assert.Equal(t, int64(3), arg.Lookup("query.count").Int())

	rig.reply(t, protocol.CmdRPC, func(w *protocol.WriteBuf) {
		w.PutU32(ioid)
		w.PutU8(protocol.SubExec)
		protocol.PutStatus(w, protocol.Status{Code: protocol.StatusOK})
		ret := pvdata.New(ntScalarDouble())
		ret.Set("value", 42.0)
		pvdata.WriteFull(w, rig.srvReg, ret)
	})

	res := <-results
	require.NoError(t, res.Err())
	assert.Equal(t, 42.0, res.Value().Lookup("value").Float())

	destroy := rig.takeFrames(t, 1)[0]
	assert.Equal(t, protocol.CmdDestroyRequest, destroy.cmd)
	rig.opsEmpty(t)
}
