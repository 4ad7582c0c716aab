package vatprogram

import (
	"context"
	"strconv"

	"github.com/cuemby/ocapkernel/pkg/supervisor"
	"github.com/cuemby/ocapkernel/pkg/types"
)

func init() {
	Register("echo", func() Program { return &echoProgram{} })
	Register("counter", func() Program { return &counterProgram{} })
}

// echoProgram resolves every delivered send with its own arguments,
// the smallest possible deterministic vat: useful for exercising
// bootstrap+method-call and promise-pipelining scenarios without any
// vat-local state.
type echoProgram struct{}

func (*echoProgram) Start(context.Context, supervisor.SyscallIssuer, map[string]string) error {
	return nil
}

func (*echoProgram) Deliver(_ context.Context, _ string, _ string, args types.CapData, _ supervisor.SyscallIssuer) (types.CapData, bool, error) {
	return args, false, nil
}

func (*echoProgram) Notify(context.Context, string, supervisor.SyscallIssuer) error { return nil }

func (*echoProgram) BringOutYourDead(context.Context, supervisor.SyscallIssuer) ([]string, []string, error) {
	return nil, nil, nil
}

// counterProgram keeps a single integer in its vatstore baggage, bumped
// by "increment" and read back by "read"; it exercises the
// vatstoreGet/vatstoreSet syscalls end to end the way a durable vat
// would persist its own state across restarts (spec §4.6's baggage).
type counterProgram struct{}

const counterKey = "value"

func (*counterProgram) Start(ctx context.Context, syscalls supervisor.SyscallIssuer, _ map[string]string) error {
	res := syscalls.Syscall(supervisor.Syscall{Kind: "vatstoreGet", Key: counterKey})
	if res.Error != "" {
		return nil
	}
	if !res.Found {
		syscalls.Syscall(supervisor.Syscall{Kind: "vatstoreSet", Key: counterKey, Value: []byte("0")})
	}
	return nil
}

func (p *counterProgram) Deliver(_ context.Context, _ string, method string, args types.CapData, syscalls supervisor.SyscallIssuer) (types.CapData, bool, error) {
	switch method {
	case "increment":
		n := p.read(syscalls)
		n++
		syscalls.Syscall(supervisor.Syscall{Kind: "vatstoreSet", Key: counterKey, Value: []byte(strconv.Itoa(n))})
		return types.CapData{Body: strconv.Itoa(n)}, false, nil
	case "read":
		return types.CapData{Body: strconv.Itoa(p.read(syscalls))}, false, nil
	default:
		return types.CapData{Body: `{"@qclass":"error","name":"TypeError","message":"unknown method ` + method + `"}`}, true, nil
	}
}

func (p *counterProgram) read(syscalls supervisor.SyscallIssuer) int {
	res := syscalls.Syscall(supervisor.Syscall{Kind: "vatstoreGet", Key: counterKey})
	if !res.Found {
		return 0
	}
	n, _ := strconv.Atoi(string(res.Value))
	return n
}

func (*counterProgram) Notify(context.Context, string, supervisor.SyscallIssuer) error { return nil }

func (*counterProgram) BringOutYourDead(context.Context, supervisor.SyscallIssuer) ([]string, []string, error) {
	return nil, nil, nil
}
