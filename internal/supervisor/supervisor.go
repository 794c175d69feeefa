// Package supervisor launches and supervises the opaque contract binary for
// one round: argv/env/uid:gid, resource limits, and the NPL side-channel
// multiplexed onto the contract's stdio (spec §4.H execution stage, §6
// "Process supervision of the contract").
//
// No teacher file supervises an external process this way (its embedded
// IPFS node is an in-process library, not os/exec) so this component is
// grounded in shape on internal/node/node.go's start/health-check/stop
// lifecycle rather than a specific teacher exec call; the actual exec
// machinery is stdlib os/exec + syscall.SysProcAttr, the one place in this
// repo where no pack dependency applies (see DESIGN.md).
package supervisor

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"

	"github.com/hpcore/hpcore/internal/config"
	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/internal/telemetry"
)

var log = telemetry.Component("supervisor")

// NplMessage is one node-to-node message multiplexed onto the contract's
// stdio during a round (spec §3 "NPL message", SPEC_FULL supplemented
// feature "NPL pass-through during execution").
type NplMessage struct {
	PubkeyHex string
	Data      []byte
}

// InputRecord is one user's accepted input container, fed to the contract as
// its own framed record rather than concatenated into an undifferentiated
// blob (spec §4.H execution stage: "write user inputs into a well-known
// subtree, keyed per user").
type InputRecord struct {
	Pubkey    []byte
	Container []byte
}

// OutputRecord is one user's output as written by the contract, read back as
// its own framed record.
type OutputRecord struct {
	Pubkey []byte
	Data   []byte
}

// Result is what the supervisor reports after a round's contract run
// completes.
type Result struct {
	Outputs   []OutputRecord
	NplOut    []NplMessage
	ExitError error
}

// Supervisor launches the contract binary once per round and multiplexes
// NPL messages onto its stdin/stdout alongside user input/output framing.
type Supervisor struct {
	binPath string
	binArgs []string
	env     []string
	runAs   string
	limits  config.RoundLimits
}

// New builds a Supervisor from the contract config section (spec §6).
func New(c config.Contract) *Supervisor {
	return &Supervisor{
		binPath: c.BinPath,
		binArgs: c.BinArgs,
		env:     c.Environment,
		runAs:   c.RunAs,
		limits:  c.RoundLimits,
	}
}

// frameTag distinguishes the two interleaved stream kinds multiplexed over
// the contract's stdio.
type frameTag byte

const (
	tagUserInput frameTag = iota + 1
	tagUserOutput
	tagNpl
)

// RunRound launches the contract, feeds it userInputs and nplIn, and
// collects its outputs and outbound NPL messages until it exits or ctx is
// cancelled by the round timeout (spec §4.H "Execution (final stage)").
func (s *Supervisor) RunRound(ctx context.Context, userInputs []InputRecord, nplIn []NplMessage) (*Result, error) {
	timeout := time.Duration(s.limits.ExecTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.binPath, s.binArgs...)
	cmd.Env = s.env

	if s.runAs != "" {
		uid, gid, err := parseRunAs(s.runAs)
		if err != nil {
			return nil, corerr.New(corerr.ConfigInvalid, err)
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uid, Gid: gid},
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, corerr.New(corerr.ContractExecFailed, errors.Wrap(err, "opening contract stdin"))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, corerr.New(corerr.ContractExecFailed, errors.Wrap(err, "opening contract stdout"))
	}

	if err := cmd.Start(); err != nil {
		return nil, corerr.New(corerr.ContractExecFailed, errors.Wrap(err, "starting contract"))
	}

	if err := applyRlimits(cmd.Process.Pid, s.limits); err != nil {
		log.WithError(err).Warn("failed to apply round resource limits")
	}

	res := &Result{}
	var wg sync.WaitGroup
	var mu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, in := range userInputs {
			b, err := msgpack.Marshal(in)
			if err != nil {
				continue
			}
			writeFrame(stdin, tagUserInput, b)
		}
		for _, m := range nplIn {
			writeFrame(stdin, tagNpl, encodeNpl(m))
		}
		stdin.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r := bufio.NewReader(stdout)
		for {
			tag, payload, err := readFrame(r)
			if err != nil {
				return
			}

			mu.Lock()
			switch tag {
			case tagUserOutput:
				var out OutputRecord
				if err := msgpack.Unmarshal(payload, &out); err == nil {
					res.Outputs = append(res.Outputs, out)
				}
			case tagNpl:
				res.NplOut = append(res.NplOut, decodeNpl(payload))
			}
			mu.Unlock()
		}
	}()

	wg.Wait()
	res.ExitError = cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return res, corerr.New(corerr.ContractExecFailed, errors.New("contract exceeded exec_timeout"))
	}
	if res.ExitError != nil {
		return res, corerr.New(corerr.ContractExecFailed, errors.Wrap(res.ExitError, "contract exited with error"))
	}

	return res, nil
}

// applyRlimits imposes the round's cpu/memory/open-fd limits on the running
// contract process via prlimit(2), which (unlike syscall.SysProcAttr) can
// target an already-started child by pid.
func applyRlimits(pid int, limits config.RoundLimits) error {
	if limits.CPUSeconds > 0 {
		lim := unix.Rlimit{Cur: uint64(limits.CPUSeconds), Max: uint64(limits.CPUSeconds)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return errors.Wrap(err, "setting RLIMIT_CPU")
		}
	}
	if limits.MemoryBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(limits.MemoryBytes), Max: uint64(limits.MemoryBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return errors.Wrap(err, "setting RLIMIT_AS")
		}
	}
	if limits.MaxOpenFiles > 0 {
		lim := unix.Rlimit{Cur: uint64(limits.MaxOpenFiles), Max: uint64(limits.MaxOpenFiles)}
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, &lim, nil); err != nil {
			return errors.Wrap(err, "setting RLIMIT_NOFILE")
		}
	}
	return nil
}

func parseRunAs(spec string) (uint32, uint32, error) {
	parts := splitColon(spec)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("run_as %q must be uid:gid", spec)
	}

	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "parsing uid in run_as %q", spec)
	}
	gid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "parsing gid in run_as %q", spec)
	}

	return uint32(uid), uint32(gid), nil
}

func splitColon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func writeFrame(w io.Writer, tag frameTag, payload []byte) error {
	var hdr [5]byte
	hdr[0] = byte(tag)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) (frameTag, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	n := binary.BigEndian.Uint32(hdr[1:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}

	return frameTag(hdr[0]), buf, nil
}

func encodeNpl(m NplMessage) []byte {
	b := make([]byte, 0, len(m.PubkeyHex)+1+len(m.Data))
	b = append(b, byte(len(m.PubkeyHex)))
	b = append(b, m.PubkeyHex...)
	b = append(b, m.Data...)
	return b
}

func decodeNpl(b []byte) NplMessage {
	if len(b) == 0 {
		return NplMessage{}
	}
	n := int(b[0])
	if n+1 > len(b) {
		return NplMessage{}
	}
	return NplMessage{PubkeyHex: string(b[1 : 1+n]), Data: b[1+n:]}
}
