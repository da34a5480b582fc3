package main

import (
	"context"
	"fmt"
	"os"

	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

// barReporter 在控制台画千分比进度条; ctx 取消 (Ctrl-C) 后请求中止
type barReporter struct {
	ctx context.Context
	bar *progressbar.ProgressBar
}

func newBarReporter(ctx context.Context, desc string) *barReporter {
	bar := progressbar.NewOptions(1000,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &barReporter{ctx: ctx, bar: bar}
}

func (r *barReporter) ReportProgress(permille int, text string) bool {
	if text != "" {
		r.bar.Describe(text)
	}
	if err := r.bar.Set(permille); err != nil {
		log.Debugf("progress bar: %v", err)
	}
	return r.ctx.Err() == nil
}

func (r *barReporter) ReportStatus(text string, severity report.Severity) {
	report.Logger{}.ReportStatus(text, severity)
	if severity == report.Info && !verboseLog {
		return
	}
	r.bar.Clear()
	fmt.Fprintf(os.Stderr, "%s: %s\n", severity, text)
}

func (r *barReporter) Finish() {
	r.bar.Finish()
}
