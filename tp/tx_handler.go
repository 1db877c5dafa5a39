package tp

import (
	"fmt"
	"time"
)

// initiateTx starts the transmission of a new message. Called from Run when idle.
func (t *Transport) initiateTx(req *txRequest) {
	if err := req.ctx.Err(); err != nil {
		req.done <- err
		return
	}

	frames, err := segment(req.data, t.available(), t.config.CanFD)
	if err != nil {
		req.done <- err
		return
	}

	t.txReq = req
	t.txFrames = frames
	t.txIndex = 0

	// 单帧：发出即完成
	if len(frames) == 1 {
		err := t.emit(t.makeTxMsg(frames[0], req.addrType), t.config.TimeoutN_As)
		t.finishTx(err)
		return
	}

	if err := t.emit(t.makeTxMsg(frames[0], req.addrType), t.config.TimeoutN_As); err != nil {
		t.finishTx(err)
		return
	}
	t.txIndex = 1
	t.txState = StateWaitFC
	t.wftCounter = 0
	resetTimer(t.timerTxFC, t.config.TimeoutN_Bs)
}

func (t *Transport) handleTxFlowControl(fc *FlowControlFrame) {
	if t.txState != StateWaitFC {
		t.log.Debug("ignoring flow control while not waiting for one", "state", t.txState, "status", fc.FlowStatus)
		return
	}
	stopTimer(t.timerTxFC)

	switch fc.FlowStatus {
	case FlowStatusContinueToSend:
		t.wftCounter = 0
		t.remoteBlocksize = fc.BlockSize
		t.remoteStmin = fc.STmin
		if t.config.OverrideStMin != nil {
			t.remoteStmin = *t.config.OverrideStMin
		}
		t.txState = StateTransmit
		t.txBlockCounter = 0
		// 流控后的第一帧连续帧立即发送
		t.handleTxTransmit()

	case FlowStatusWait:
		t.wftCounter++
		if t.wftCounter > t.config.MaxWaitFrames {
			t.finishTx(WaitExceededError{NewIsoTpError(fmt.Sprintf("received %d wait frames, limit is %d", t.wftCounter, t.config.MaxWaitFrames))})
			return
		}
		resetTimer(t.timerTxFC, t.config.TimeoutN_Bs)

	case FlowStatusOverflow:
		t.finishTx(OverflowError{})

	default:
		t.finishTx(InvalidFlowStatusError{NewIsoTpError(fmt.Sprintf("invalid flow status 0x%X", byte(fc.FlowStatus)))})
	}
}

// handleTxTransmit sends the next Consecutive Frame.
func (t *Transport) handleTxTransmit() {
	if t.txIndex >= len(t.txFrames) {
		t.finishTx(nil)
		return
	}

	msg := t.makeTxMsg(t.txFrames[t.txIndex], Physical)
	if err := t.emit(msg, t.config.TimeoutN_Cs); err != nil {
		t.finishTx(err)
		return
	}
	t.txIndex++
	t.txBlockCounter++

	if t.txIndex >= len(t.txFrames) {
		t.finishTx(nil)
		return
	}

	if t.remoteBlocksize > 0 && t.txBlockCounter >= t.remoteBlocksize {
		t.txState = StateWaitFC
		resetTimer(t.timerTxFC, t.config.TimeoutN_Bs)
		return
	}
	t.scheduleNextCF(t.remoteStmin)
}

func (t *Transport) scheduleNextCF(d time.Duration) {
	if d < 0 {
		d = 0
	}
	resetTimer(t.timerTxSTmin, d)
}
