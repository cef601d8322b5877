//go:build linux && cgo && rdma

package rdma

/*
#cgo LDFLAGS: -libverbs
#include <infiniband/verbs.h>
#include <stdlib.h>
#include <string.h>

static struct ibv_qp_init_attr make_qp_init_attr(struct ibv_cq *cq) {
	struct ibv_qp_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.send_cq = cq;
	attr.recv_cq = cq;
	attr.cap.max_send_wr = 64;
	attr.cap.max_recv_wr = 64;
	attr.cap.max_send_sge = 1;
	attr.cap.max_recv_sge = 1;
	attr.qp_type = IBV_QPT_RC;
	return attr;
}
*/
import "C"

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/distmem/pager/pkg/transport"
)

// completionTimeout bounds how long PostRead/PostWrite wait for their work
// request's completion before giving up (spec.md §4.5).
const completionTimeout = 5 * time.Second

// wrCounter is the process-global monotonic work-request id source; every
// queue pair on this process shares it so completion-queue entries are
// distinguishable even across peers.
var wrCounter uint64

func nextWrID() uint64 {
	return atomic.AddUint64(&wrCounter, 1)
}

// verbsContext owns the libibverbs device handles for one RDMA device
// port: context, protection domain, and completion queue, all released
// together by Close.
type verbsContext struct {
	ctx *C.struct_ibv_context
	pd  *C.struct_ibv_pd
	cq  *C.struct_ibv_cq
}

func openVerbsContext(deviceName string) (*verbsContext, error) {
	var numDevices C.int

	list := C.ibv_get_device_list(&numDevices)
	if list == nil {
		return nil, fmt.Errorf("rdma: ibv_get_device_list returned no devices")
	}
	defer C.ibv_free_device_list(list)

	devices := unsafe.Slice(list, int(numDevices))

	var dev *C.struct_ibv_device

	for _, d := range devices {
		if C.GoString(C.ibv_get_device_name(d)) == deviceName {
			dev = d

			break
		}
	}

	if dev == nil {
		return nil, fmt.Errorf("rdma: device %q not found among %d local devices", deviceName, int(numDevices))
	}

	ctx := C.ibv_open_device(dev)
	if ctx == nil {
		return nil, fmt.Errorf("rdma: ibv_open_device(%q) failed", deviceName)
	}

	pd := C.ibv_alloc_pd(ctx)
	if pd == nil {
		C.ibv_close_device(ctx)

		return nil, fmt.Errorf("rdma: ibv_alloc_pd failed")
	}

	cq := C.ibv_create_cq(ctx, 128, nil, nil, 0)
	if cq == nil {
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(ctx)

		return nil, fmt.Errorf("rdma: ibv_create_cq failed")
	}

	return &verbsContext{ctx: ctx, pd: pd, cq: cq}, nil
}

// queryPortLID opens the named device just long enough to read port 1's
// LID via ibv_query_port, for EnumerateDevices' device-info step
// (spec.md §4.5: "query port 1 for its LID and GID").
func queryPortLID(deviceName string, portNum uint8) (uint16, error) {
	vctx, err := openVerbsContext(deviceName)
	if err != nil {
		return 0, err
	}
	defer vctx.Close()

	var portAttr C.struct_ibv_port_attr

	if rc := C.ibv_query_port(vctx.ctx, C.uint8_t(portNum), &portAttr); rc != 0 {
		return 0, fmt.Errorf("rdma: ibv_query_port(%q, %d): rc=%d", deviceName, portNum, int(rc))
	}

	return uint16(portAttr.lid), nil
}

func (v *verbsContext) Close() error {
	if rc := C.ibv_destroy_cq(v.cq); rc != 0 {
		return fmt.Errorf("rdma: ibv_destroy_cq: rc=%d", int(rc))
	}

	if rc := C.ibv_dealloc_pd(v.pd); rc != 0 {
		return fmt.Errorf("rdma: ibv_dealloc_pd: rc=%d", int(rc))
	}

	if rc := C.ibv_close_device(v.ctx); rc != 0 {
		return fmt.Errorf("rdma: ibv_close_device: rc=%d", int(rc))
	}

	return nil
}

// registeredRegion wraps an ibv_mr so it can be released alongside the
// transport that created it.
type registeredRegion struct {
	mr *C.struct_ibv_mr
}

// registerMemory registers [addr, addr+length) for both local and remote
// read/write access, the access flags RDMA READ/WRITE from a remote node
// requires.
func (v *verbsContext) registerMemory(addr uintptr, length int64) (*registeredRegion, transport.MemoryRegion, error) {
	access := C.enum_ibv_access_flags(C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_READ | C.IBV_ACCESS_REMOTE_WRITE)

	mr := C.ibv_reg_mr(v.pd, unsafe.Pointer(addr), C.size_t(length), access)
	if mr == nil {
		return nil, transport.MemoryRegion{}, fmt.Errorf("rdma: ibv_reg_mr failed for %d bytes at %#x", length, addr)
	}

	region := transport.MemoryRegion{
		Addr:   addr,
		Length: length,
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
	}

	return &registeredRegion{mr: mr}, region, nil
}

func (r *registeredRegion) Close() error {
	if rc := C.ibv_dereg_mr(r.mr); rc != 0 {
		return fmt.Errorf("rdma: ibv_dereg_mr: rc=%d", int(rc))
	}

	return nil
}

// queuePair owns one reliable-connection QP, brought through the
// RESET -> INIT -> RTR -> RTS state machine against a known remote
// endpoint before any work request is posted.
type queuePair struct {
	qp *C.struct_ibv_qp
	cq *C.struct_ibv_cq
}

func createQueuePair(v *verbsContext) (*queuePair, error) {
	initAttr := C.make_qp_init_attr(v.cq)

	qp := C.ibv_create_qp(v.pd, &initAttr)
	if qp == nil {
		return nil, fmt.Errorf("rdma: ibv_create_qp failed")
	}

	return &queuePair{qp: qp, cq: v.cq}, nil
}

// qpNumber returns the local queue pair number to publish via the
// coordinator.
func (q *queuePair) qpNumber() uint32 {
	return uint32(q.qp.qp_num)
}

// remoteInfo is everything connectQueuePair needs to drive the remote side
// of the RC handshake: GID/LID/QPN/PSN decoded from a peer's
// transport.RDMAEndpoint.
type remoteInfo struct {
	gid [16]byte
	lid uint16
	qpn uint32
	psn uint32
}

// connectQueuePair drives the QP from its post-create RESET state through
// INIT, RTR, and RTS using the parameter floors spec.md §4.5 requires:
// path MTU 4096, max_rd_atomic 1, min_rnr_timer conservative, retry_cnt 7,
// rnr_retry 7 (infinite).
func connectQueuePair(q *queuePair, portNum uint8, localPsn uint32, remote remoteInfo) error {
	var initAttr C.struct_ibv_qp_attr

	C.memset(unsafe.Pointer(&initAttr), 0, C.sizeof_struct_ibv_qp_attr)
	initAttr.qp_state = C.IBV_QPS_INIT
	initAttr.pkey_index = 0
	initAttr.port_num = C.uint8_t(portNum)
	initAttr.qp_access_flags = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_READ | C.IBV_ACCESS_REMOTE_WRITE

	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	if rc := C.ibv_modify_qp(q.qp, &initAttr, C.int(mask)); rc != 0 {
		return fmt.Errorf("rdma: modify qp to INIT: rc=%d", int(rc))
	}

	var rtrAttr C.struct_ibv_qp_attr

	C.memset(unsafe.Pointer(&rtrAttr), 0, C.sizeof_struct_ibv_qp_attr)
	rtrAttr.qp_state = C.IBV_QPS_RTR
	rtrAttr.path_mtu = C.IBV_MTU_4096
	rtrAttr.dest_qp_num = C.uint32_t(remote.qpn)
	rtrAttr.rq_psn = C.uint32_t(remote.psn)
	rtrAttr.max_dest_rd_atomic = 1
	rtrAttr.min_rnr_timer = 12
	rtrAttr.ah_attr.is_global = 1
	rtrAttr.ah_attr.port_num = C.uint8_t(portNum)
	rtrAttr.ah_attr.grh.hop_limit = 1
	rtrAttr.ah_attr.grh.sgid_index = 0

	for i := 0; i < 16; i++ {
		rtrAttr.ah_attr.grh.dgid.raw[i] = C.uint8_t(remote.gid[i])
	}

	rtrMask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER

	if rc := C.ibv_modify_qp(q.qp, &rtrAttr, C.int(rtrMask)); rc != 0 {
		return fmt.Errorf("rdma: modify qp to RTR: rc=%d", int(rc))
	}

	var rtsAttr C.struct_ibv_qp_attr

	C.memset(unsafe.Pointer(&rtsAttr), 0, C.sizeof_struct_ibv_qp_attr)
	rtsAttr.qp_state = C.IBV_QPS_RTS
	rtsAttr.timeout = 14
	rtsAttr.retry_cnt = 7
	rtsAttr.rnr_retry = 7
	rtsAttr.sq_psn = C.uint32_t(localPsn)
	rtsAttr.max_rd_atomic = 1

	rtsMask := C.IBV_QP_STATE | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT | C.IBV_QP_RNR_RETRY |
		C.IBV_QP_SQ_PSN | C.IBV_QP_MAX_QP_RD_ATOMIC

	if rc := C.ibv_modify_qp(q.qp, &rtsAttr, C.int(rtsMask)); rc != 0 {
		return fmt.Errorf("rdma: modify qp to RTS: rc=%d", int(rc))
	}

	return nil
}

// postRead issues an RDMA_READ of length bytes from the remote region
// (remoteAddr, rkey) into the local buffer registered as local, then polls
// the completion queue until the matching wr_id lands or completionTimeout
// elapses.
func postRead(q *queuePair, local transport.MemoryRegion, remoteAddr uintptr, rkey uint32, length int64) error {
	return postRdma(q, local, remoteAddr, rkey, length, C.IBV_WR_RDMA_READ)
}

// postWrite is postRead's write-direction counterpart.
func postWrite(q *queuePair, local transport.MemoryRegion, remoteAddr uintptr, rkey uint32, length int64) error {
	return postRdma(q, local, remoteAddr, rkey, length, C.IBV_WR_RDMA_WRITE)
}

func postRdma(q *queuePair, local transport.MemoryRegion, remoteAddr uintptr, rkey uint32, length int64, opcode C.enum_ibv_wr_opcode) error {
	wrID := nextWrID()

	var sge C.struct_ibv_sge
	sge.addr = C.uint64_t(local.Addr)
	sge.length = C.uint32_t(length)
	sge.lkey = C.uint32_t(local.LKey)

	var wr C.struct_ibv_send_wr

	C.memset(unsafe.Pointer(&wr), 0, C.sizeof_struct_ibv_send_wr)
	wr.wr_id = C.uint64_t(wrID)
	wr.sg_list = &sge
	wr.num_sge = 1
	wr.opcode = opcode
	wr.send_flags = C.IBV_SEND_SIGNALED

	rdmaUnion := (*C.struct_ibv_send_wr__bindgen_ty_2)(unsafe.Pointer(&wr.wr))
	_ = rdmaUnion
	wr.wr.rdma.remote_addr = C.uint64_t(remoteAddr)
	wr.wr.rdma.rkey = C.uint32_t(rkey)

	var badWr *C.struct_ibv_send_wr
	if rc := C.ibv_post_send(q.qp, &wr, &badWr); rc != 0 {
		return fmt.Errorf("rdma: ibv_post_send: rc=%d", int(rc))
	}

	return pollForCompletion(q.cq, wrID)
}

func pollForCompletion(cq *C.struct_ibv_cq, wrID uint64) error {
	deadline := time.Now().Add(completionTimeout)

	var wc C.struct_ibv_wc

	for time.Now().Before(deadline) {
		n := C.ibv_poll_cq(cq, 1, &wc)
		if n < 0 {
			return fmt.Errorf("rdma: ibv_poll_cq failed")
		}

		if n == 0 {
			time.Sleep(time.Microsecond)

			continue
		}

		if uint64(wc.wr_id) != wrID {
			continue
		}

		if wc.status != C.IBV_WC_SUCCESS {
			return transport.NewError(transport.ErrRdmaFailed, "poll completion", fmt.Errorf("wc status %d", int(wc.status)))
		}

		return nil
	}

	return transport.NewError(transport.ErrTimeout, "poll completion", fmt.Errorf("no completion for wr_id %d within %s", wrID, completionTimeout))
}

func (q *queuePair) Close() error {
	if rc := C.ibv_destroy_qp(q.qp); rc != 0 {
		return fmt.Errorf("rdma: ibv_destroy_qp: rc=%d", int(rc))
	}

	return nil
}
