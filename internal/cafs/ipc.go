package cafs

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

// ipcOp names the operation carried by an ipcRequest, mirroring the
// capability interface methods.
type ipcOp string

const (
	opOpenSession          ipcOp = "open_session"
	opCloseSession         ipcOp = "close_session"
	opQueryHash            ipcOp = "query_hash"
	opQueryFileBlockHashes ipcOp = "query_file_block_hashes"
	opQueryDirChildren     ipcOp = "query_dir_children"
	opPhysicalPath         ipcOp = "physical_path"
	opWriteBlocks          ipcOp = "write_blocks"
	opReadBlocks           ipcOp = "read_blocks"
	opAppendLog            ipcOp = "append_log"
	opReadLog              ipcOp = "read_log"
	opTruncateLog          ipcOp = "truncate_log"
	opQueryIndex           ipcOp = "query_index"
	opLastIndexSeqNo       ipcOp = "last_index_seq_no"
	opUpdateIndex          ipcOp = "update_index"
)

type ipcRequest struct {
	Op          ipcOp  `msgpack:"op"`
	Session     string `msgpack:"s,omitempty"`
	Writable    bool   `msgpack:"w,omitempty"`
	HmapEnabled bool   `msgpack:"hm,omitempty"`
	VPath       string `msgpack:"vp,omitempty"`
	BlockID     uint32 `msgpack:"bi,omitempty"`
	Data        []byte `msgpack:"d,omitempty"`
	From        uint64 `msgpack:"f,omitempty"`
	To          uint64 `msgpack:"t,omitempty"`
	SeqNo       uint64 `msgpack:"sn,omitempty"`
	Root        []byte `msgpack:"r,omitempty"`
}

type ipcEntry struct {
	Name   string `msgpack:"n"`
	IsFile bool   `msgpack:"f"`
	Hash   []byte `msgpack:"h"`
}

type ipcResponse struct {
	Err         string     `msgpack:"e,omitempty"`
	Hash        []byte     `msgpack:"h,omitempty"`
	Hashes      [][]byte   `msgpack:"hs,omitempty"`
	Entries     []ipcEntry `msgpack:"en,omitempty"`
	Path        string     `msgpack:"p,omitempty"`
	Data        []byte     `msgpack:"d,omitempty"`
	SeqNo       uint64     `msgpack:"sn,omitempty"`
	Found       bool       `msgpack:"fo,omitempty"`
}

// IPCHelper drives the external hpfs helper process over a Unix domain
// socket, framed the same way as the peer wire protocol (length-prefix +
// msgpack), but carrying IPC-local request/response structs rather than
// pkg/wire.Envelope. Grounded on internal/storage/ipfs.go's
// external-process-backed store and pkg/did/consensus/blockStore.go's
// getBlock/addBlock capability shape.
type IPCHelper struct {
	cmd  *exec.Cmd
	conn *wire.Conn
	raw  net.Conn
	mu   sync.Mutex
}

// StartIPCHelper launches execPath (optionally under uid:gid via runAs,
// "uid:gid") as a long-running child, connects to its Unix socket at
// sockPath, and returns a Helper driving it. Failure of the helper is fatal
// to the mount (spec §4.C).
func StartIPCHelper(execPath, sockPath, runAs string) (*IPCHelper, error) {
	cmd := exec.Command(execPath, "--socket", sockPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if runAs != "" {
		attr, err := sysProcAttrFor(runAs)
		if err != nil {
			return nil, corerr.New(corerr.ConfigInvalid, err)
		}
		cmd.SysProcAttr = attr
	}

	if err := cmd.Start(); err != nil {
		return nil, corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "starting hpfs helper"))
	}

	var raw net.Conn
	var err error
	for i := 0; i < 50; i++ {
		raw, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		cmd.Process.Kill()
		return nil, corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "connecting to hpfs helper socket"))
	}

	return &IPCHelper{cmd: cmd, raw: raw, conn: wire.NewConn(raw)}, nil
}

func sysProcAttrFor(runAs string) (*syscall.SysProcAttr, error) {
	var uid, gid uint32
	if _, err := fmt.Sscanf(runAs, "%d:%d", &uid, &gid); err != nil {
		return nil, errors.Wrapf(err, "parsing run_as %q (want uid:gid)", runAs)
	}
	return &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid},
	}, nil
}

func (h *IPCHelper) roundtrip(req *ipcRequest) (*ipcResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, err := msgpack.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling ipc request")
	}

	if err := h.conn.WriteFrame(b); err != nil {
		return nil, corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "writing ipc request"))
	}

	rb, err := h.conn.ReadFrame()
	if err != nil {
		return nil, corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "reading ipc response"))
	}

	resp := &ipcResponse{}
	if err := msgpack.Unmarshal(rb, resp); err != nil {
		return nil, corerr.New(corerr.MessageMalformed, errors.Wrap(err, "parsing ipc response"))
	}

	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}

	return resp, nil
}

func (h *IPCHelper) OpenSession(name string, writable bool, hmapEnabled bool) error {
	_, err := h.roundtrip(&ipcRequest{Op: opOpenSession, Session: name, Writable: writable, HmapEnabled: hmapEnabled})
	return err
}

func (h *IPCHelper) CloseSession(name string) error {
	_, err := h.roundtrip(&ipcRequest{Op: opCloseSession, Session: name})
	return err
}

func (h *IPCHelper) QueryHash(session, vpath string) (hash.H32, error) {
	resp, err := h.roundtrip(&ipcRequest{Op: opQueryHash, Session: session, VPath: vpath})
	if err != nil {
		return hash.H32{}, err
	}
	return decodeCIDBytes(resp.Hash)
}

func (h *IPCHelper) QueryFileBlockHashes(session, vpath string) ([]hash.H32, error) {
	resp, err := h.roundtrip(&ipcRequest{Op: opQueryFileBlockHashes, Session: session, VPath: vpath})
	if err != nil {
		return nil, err
	}

	out := make([]hash.H32, len(resp.Hashes))
	for i, b := range resp.Hashes {
		h32, err := decodeCIDBytes(b)
		if err != nil {
			return nil, err
		}
		out[i] = h32
	}
	return out, nil
}

func (h *IPCHelper) QueryDirChildren(session, vpath string) ([]Entry, error) {
	resp, err := h.roundtrip(&ipcRequest{Op: opQueryDirChildren, Session: session, VPath: vpath})
	if err != nil {
		return nil, err
	}

	out := make([]Entry, len(resp.Entries))
	for i, e := range resp.Entries {
		h32, err := decodeCIDBytes(e.Hash)
		if err != nil {
			return nil, err
		}
		out[i] = Entry{Name: e.Name, IsFile: e.IsFile, ChildHash: h32}
	}
	return out, nil
}

func (h *IPCHelper) PhysicalPath(session, vpath string) (string, error) {
	resp, err := h.roundtrip(&ipcRequest{Op: opPhysicalPath, Session: session, VPath: vpath})
	if err != nil {
		return "", err
	}
	return resp.Path, nil
}

func (h *IPCHelper) WriteBlocks(session, vpath string, blockID uint32, data []byte) error {
	_, err := h.roundtrip(&ipcRequest{Op: opWriteBlocks, Session: session, VPath: vpath, BlockID: blockID, Data: data})
	return err
}

func (h *IPCHelper) ReadBlocks(session, vpath string, blockID uint32) ([]byte, error) {
	resp, err := h.roundtrip(&ipcRequest{Op: opReadBlocks, Session: session, VPath: vpath, BlockID: blockID})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (h *IPCHelper) AppendLog(records []byte) error {
	_, err := h.roundtrip(&ipcRequest{Op: opAppendLog, Data: records})
	return err
}

func (h *IPCHelper) ReadLog(from, to uint64) ([]byte, error) {
	resp, err := h.roundtrip(&ipcRequest{Op: opReadLog, From: from, To: to})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (h *IPCHelper) TruncateLog(fromSeqNo uint64) error {
	_, err := h.roundtrip(&ipcRequest{Op: opTruncateLog, SeqNo: fromSeqNo})
	return err
}

func (h *IPCHelper) QueryIndex(seqNo uint64) (hash.H32, bool, error) {
	resp, err := h.roundtrip(&ipcRequest{Op: opQueryIndex, SeqNo: seqNo})
	if err != nil {
		return hash.H32{}, false, err
	}
	if !resp.Found {
		return hash.H32{}, false, nil
	}
	h32, err := decodeCIDBytes(resp.Hash)
	return h32, true, err
}

func (h *IPCHelper) LastIndexSeqNo() (uint64, error) {
	resp, err := h.roundtrip(&ipcRequest{Op: opLastIndexSeqNo})
	if err != nil {
		return 0, err
	}
	return resp.SeqNo, nil
}

func (h *IPCHelper) UpdateIndex(seqNo uint64, root hash.H32) error {
	rootCID, err := encodeCIDBytes(root)
	if err != nil {
		return err
	}
	_, err = h.roundtrip(&ipcRequest{Op: opUpdateIndex, SeqNo: seqNo, Root: rootCID})
	return err
}

func (h *IPCHelper) Close() error {
	h.raw.Close()
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	return h.cmd.Wait()
}
