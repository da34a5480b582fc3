package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
)

const (
	writeDataByIdentifierSID      = 0x2E
	writeDataByIdentifierPositive = 0x6E
)

type WriteDataByIdentifier struct {
	client  *osy_client.Client
	timeout time.Duration
}

func NewWriteDataByIdentifier(client *osy_client.Client) *WriteDataByIdentifier {
	return &WriteDataByIdentifier{client: client}
}

func (w *WriteDataByIdentifier) SetTimeout(timeout time.Duration) {
	if w == nil {
		return
	}
	w.timeout = timeout
}

func (w *WriteDataByIdentifier) Write(ctx context.Context, server node.Address, did uint16, data []byte) error {
	if w == nil || w.client == nil {
		return errNilClient
	}
	req := make([]byte, 3, 3+len(data))
	req[0] = writeDataByIdentifierSID
	binary.BigEndian.PutUint16(req[1:3], did)
	req = append(req, data...)

	resp, err := request(ctx, w.client, server, req, w.timeout)
	if err != nil {
		return err
	}
	if err := validateResponseSID(resp, writeDataByIdentifierPositive); err != nil {
		return err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return fmt.Errorf("unexpected response echo: % X", resp)
	}
	return nil
}

// WriteFingerprint 在下载前写入刷写日期、时间和用户名
func (w *WriteDataByIdentifier) WriteFingerprint(ctx context.Context, server node.Address, fp Fingerprint) error {
	t := fp.Time.UTC()
	year := t.Year() - 2000
	if year < 0 || year > 99 {
		return fmt.Errorf("fingerprint year %d out of range", t.Year())
	}
	if err := w.Write(ctx, server, DIDFingerprintDate, []byte{byte(year), byte(t.Month()), byte(t.Day())}); err != nil {
		return fmt.Errorf("fingerprint date: %w", err)
	}
	if err := w.Write(ctx, server, DIDFingerprintTime, []byte{byte(t.Hour()), byte(t.Minute()), byte(t.Second())}); err != nil {
		return fmt.Errorf("fingerprint time: %w", err)
	}
	user := make([]byte, fingerprintUserLength)
	copy(user, fp.User)
	if err := w.Write(ctx, server, DIDFingerprintUser, user); err != nil {
		return fmt.Errorf("fingerprint user: %w", err)
	}
	return nil
}
