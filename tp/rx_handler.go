package tp

import "fmt"

// processRx 处理接收到的单个CAN报文
func (t *Transport) processRx(msg CanMessage) {
	if !t.address.IsForMe(&msg) {
		return
	}

	frame, err := ParseFrame(&msg, t.address.RxPrefixSize)
	if err != nil {
		t.fireError(fmt.Errorf("报文解析失败: %w", err))
		return
	}

	switch f := frame.(type) {
	case *FlowControlFrame:
		t.handleTxFlowControl(f)
	case *SingleFrame:
		t.handleRxSingleFrame(f)
	case *FirstFrame:
		t.handleRxFirstFrame(f)
	case *ConsecutiveFrame:
		t.handleRxConsecutiveFrame(f)
	}
}

func (t *Transport) handleRxSingleFrame(f *SingleFrame) {
	if t.rxState != StateIdle {
		t.fireError(ReceptionInterruptedError{NewIsoTpError("在多帧接收过程中被一个新单帧打断")})
	}
	t.stopReceiving()

	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	t.deliverRx(Message{Address: t.address, Data: data, State: MessageComplete})
}

func (t *Transport) handleRxFirstFrame(f *FirstFrame) {
	if t.rxState != StateIdle {
		t.fireError(ReceptionInterruptedError{NewIsoTpError("在多帧接收过程中被一个新首帧打断")})
	}
	t.stopReceiving()

	if f.TotalSize > t.config.MaxRxLength {
		t.log.Warn("首帧声明长度超过接收上限，回复溢出", "declared", f.TotalSize, "max", t.config.MaxRxLength)
		if err := t.sendFlowControl(FlowStatusOverflow); err != nil {
			t.fireError(err)
		}
		t.deliverRx(Message{
			Address: t.address,
			State:   MessageAborted,
			Err:     OverflowError{NewIsoTpError(fmt.Sprintf("first frame declares %d bytes, limit is %d", f.TotalSize, t.config.MaxRxLength))},
		})
		return
	}

	t.rxFrameLen = f.TotalSize
	t.rxBuffer = make([]byte, 0, f.TotalSize)
	t.rxBuffer = appendBounded(t.rxBuffer, f.Data, t.rxFrameLen)

	if len(t.rxBuffer) >= t.rxFrameLen {
		t.deliverRx(Message{Address: t.address, Data: t.rxBuffer, State: MessageComplete})
		t.stopReceiving()
		return
	}

	t.rxState = StateWaitCF
	t.rxSeqNum = 1
	if err := t.sendFlowControl(FlowStatusContinueToSend); err != nil {
		t.deliverRx(Message{Address: t.address, State: MessageAborted, Err: err})
		t.stopReceiving()
		return
	}
	resetTimer(t.timerRxCF, t.config.TimeoutN_Cr)
}

func (t *Transport) handleRxConsecutiveFrame(f *ConsecutiveFrame) {
	if t.rxState != StateWaitCF {
		t.fireError(UnexpectedConsecutiveFrameError{})
		return
	}

	if f.SequenceNumber != t.rxSeqNum {
		t.deliverRx(Message{
			Address: t.address,
			State:   MessageAborted,
			Err: SequenceMismatchError{
				IsoTpError: NewIsoTpError(fmt.Sprintf("序列号不匹配。期望: %d, 收到: %d", t.rxSeqNum, f.SequenceNumber)),
				Expected:   t.rxSeqNum,
				Got:        f.SequenceNumber,
			},
		})
		t.stopReceiving()
		return
	}

	t.rxSeqNum = (t.rxSeqNum + 1) % 16
	t.rxBuffer = appendBounded(t.rxBuffer, f.Data, t.rxFrameLen)

	if len(t.rxBuffer) >= t.rxFrameLen {
		t.deliverRx(Message{Address: t.address, Data: t.rxBuffer, State: MessageComplete})
		t.stopReceiving()
		return
	}

	t.rxBlockCounter++
	if t.config.BlockSize > 0 && t.rxBlockCounter >= t.config.BlockSize {
		t.rxBlockCounter = 0
		if err := t.sendFlowControl(FlowStatusContinueToSend); err != nil {
			t.deliverRx(Message{Address: t.address, State: MessageAborted, Err: err})
			t.stopReceiving()
			return
		}
	}
	resetTimer(t.timerRxCF, t.config.TimeoutN_Cr)
}

// appendBounded 追加数据但不超过 limit，多余的填充字节被丢弃。
func appendBounded(buf, data []byte, limit int) []byte {
	remaining := limit - len(buf)
	if remaining <= 0 {
		return buf
	}
	if len(data) > remaining {
		data = data[:remaining]
	}
	return append(buf, data...)
}

func (t *Transport) sendFlowControl(status FlowStatus) error {
	payload := createFlowControlPayload(status, t.config.BlockSize, t.config.StMin)
	return t.emit(t.makeTxMsg(payload, Physical), t.config.TimeoutN_Ar)
}
