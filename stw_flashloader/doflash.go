package stw_flashloader

import (
	"context"
	"fmt"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/LoveWonYoung/sydeflash/services"
	log "github.com/sirupsen/logrus"
)

// DoFlash 执行完整的刷写流程: 解锁, 擦除, 按块写入 (每块校验), 整体校验.
// 进度以千分比上报; ReportProgress 返回 false 时在下一个块边界中止.
func (c *Client) DoFlash(ctx context.Context, localID byte, hexPath string, r report.Reporter) error {
	r = report.OrNop(r)
	if err := validLocalID(localID); err != nil {
		return err
	}

	img, err := services.ReadImage(hexPath)
	if err != nil {
		return fmt.Errorf("%w: %w", fault.ErrPrecondition, err)
	}
	total := int(img.Size())
	entry := log.WithFields(log.Fields{"local_id": localID, "file": hexPath})
	entry.Infof("STW flash: %d segments, %d bytes", len(img.Segments), total)

	r.ReportStatus(fmt.Sprintf("unlocking local ID %d", localID), report.Info)
	if err := c.unlock(ctx, localID); err != nil {
		r.ReportStatus("unlock failed", report.Error)
		return fmt.Errorf("unlock: %w", err)
	}

	for _, seg := range img.Segments {
		r.ReportStatus(fmt.Sprintf("erasing 0x%08X..0x%08X", seg.Address, seg.End()), report.Info)
		if err := c.setAddress(ctx, localID, seg.Address); err != nil {
			return fmt.Errorf("set address 0x%08X: %w", seg.Address, err)
		}
		if err := c.erase(ctx, localID, uint32(len(seg.Data))); err != nil {
			r.ReportStatus("erase failed", report.Error)
			return fmt.Errorf("erase 0x%08X: %w", seg.Address, err)
		}
	}
	if !r.ReportProgress(0, "erased") {
		return fault.ErrAborted
	}

	done := 0
	var all [][]byte
	for _, seg := range img.Segments {
		if err := c.setAddress(ctx, localID, seg.Address); err != nil {
			return fmt.Errorf("set address 0x%08X: %w", seg.Address, err)
		}
		addr := seg.Address
		for _, block := range services.SplitBlock(seg.Data, c.cfg.BlockSize) {
			if err := c.writeBlock(ctx, localID, block); err != nil {
				r.ReportStatus(fmt.Sprintf("write failed at 0x%08X", addr), report.Error)
				return err
			}
			addr += uint32(len(block))
			done += len(block)
			// 只在块边界检查中止请求
			if !r.ReportProgress(report.Permille(done, total), fmt.Sprintf("%d/%d bytes", done, total)) {
				r.ReportStatus("aborted by caller", report.Warning)
				return fault.ErrAborted
			}
		}
		all = append(all, seg.Data)
	}

	r.ReportStatus("verifying", report.Info)
	if err := c.verify(ctx, localID, checksum32(all)); err != nil {
		r.ReportStatus("verify failed", report.Error)
		return err
	}
	r.ReportStatus("flash complete", report.Info)
	entry.Info("STW flash complete")
	return nil
}
