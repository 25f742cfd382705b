package migration

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// Reporter 执行迁移操作并向终端输出结果，供 agentmem migrate 使用
type Reporter struct {
	m   Migrator
	out io.Writer
}

// NewReporter 创建 Reporter
func NewReporter(m Migrator, out io.Writer) *Reporter {
	return &Reporter{m: m, out: out}
}

// Up 应用迁移并打印最终版本
func (r *Reporter) Up(ctx context.Context) error {
	if err := r.m.Up(ctx); err != nil {
		return err
	}
	return r.printVersion(ctx, "Schema is at version")
}

// Down 回滚 steps 个版本，steps <= 0 回滚全部
func (r *Reporter) Down(ctx context.Context, steps int) error {
	if err := r.m.Down(ctx, steps); err != nil {
		return err
	}
	return r.printVersion(ctx, "Rolled back, schema is at version")
}

// Force 写入版本号
func (r *Reporter) Force(ctx context.Context, version int) error {
	if err := r.m.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Version forced to %d\n", version)
	return nil
}

// Version 打印当前版本
func (r *Reporter) Version(ctx context.Context) error {
	return r.printVersion(ctx, "Current version")
}

// Status 打印每个版本的状态表与汇总
func (r *Reporter) Status(ctx context.Context) error {
	plan, err := r.m.Plan(ctx)
	if err != nil {
		return err
	}
	if len(plan.Steps) == 0 {
		fmt.Fprintln(r.out, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	for _, s := range plan.Steps {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	pending := plan.Pending()
	fmt.Fprintf(r.out, "\n%d migration(s), %d applied, %d pending\n",
		len(plan.Steps), len(plan.Steps)-pending, pending)
	return nil
}

func (r *Reporter) printVersion(ctx context.Context, label string) error {
	v, dirty, err := r.m.Version(ctx)
	if err != nil {
		return err
	}
	if v == 0 && !dirty {
		fmt.Fprintln(r.out, "No migrations applied.")
		return nil
	}
	suffix := ""
	if dirty {
		suffix = " (dirty, fix the schema then run force)"
	}
	fmt.Fprintf(r.out, "%s %d%s\n", label, v, suffix)
	return nil
}
