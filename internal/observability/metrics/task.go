package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type terminalKey struct {
	status string
	code   string
}

type toolKey struct {
	tool    string
	outcome string
}

type taskMetrics struct {
	mu          sync.Mutex
	submissions map[string]uint64
	quota       map[string]uint64
	terminal    map[terminalKey]uint64
	tools       map[toolKey]uint64
	iterations  *histogram
	duration    *histogram
}

var taskCollector = &taskMetrics{
	submissions: make(map[string]uint64),
	quota:       make(map[string]uint64),
	terminal:    make(map[terminalKey]uint64),
	tools:       make(map[toolKey]uint64),
}

// ObserveTaskSubmission records the outcome of a task submission.
func ObserveTaskSubmission(accepted bool) {
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	taskCollector.mu.Lock()
	taskCollector.submissions[outcome]++
	taskCollector.mu.Unlock()
}

// ObserveQuotaRejection records a reservation rejected by the usage limiter.
func ObserveQuotaRejection(resource string) {
	taskCollector.mu.Lock()
	taskCollector.quota[resource]++
	taskCollector.mu.Unlock()
}

// ObserveTaskTerminal records a task reaching a terminal status.
// The error code is empty for completed and cancelled tasks.
func ObserveTaskTerminal(status, errorCode string, iterations int, duration time.Duration) {
	taskCollector.mu.Lock()
	defer taskCollector.mu.Unlock()

	taskCollector.terminal[terminalKey{status: status, code: errorCode}]++
	if taskCollector.iterations == nil {
		taskCollector.iterations = newHistogram([]float64{1, 2, 5, 10, 15, 25, 50})
	}
	taskCollector.iterations.observe(float64(iterations))
	if taskCollector.duration == nil {
		taskCollector.duration = newHistogram([]float64{1, 5, 15, 30, 60, 120, 300, 600})
	}
	taskCollector.duration.observe(duration.Seconds())
}

// ObserveToolDispatch records the outcome of a tool dispatch.
func ObserveToolDispatch(tool string, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	taskCollector.mu.Lock()
	taskCollector.tools[toolKey{tool: tool, outcome: outcome}]++
	taskCollector.mu.Unlock()
}

func (c *taskMetrics) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(512)

	renderLabelCounter(&builder, "cogniverve_task_submissions_total",
		"Total number of task submissions by outcome.", "outcome", c.submissions)
	renderLabelCounter(&builder, "cogniverve_quota_rejections_total",
		"Total number of reservations rejected by the usage limiter.", "resource", c.quota)

	type terminalMetric struct {
		terminalKey
		value uint64
	}
	terminals := make([]terminalMetric, 0, len(c.terminal))
	for key, value := range c.terminal {
		terminals = append(terminals, terminalMetric{terminalKey: key, value: value})
	}
	sort.Slice(terminals, func(i, j int) bool {
		if terminals[i].status == terminals[j].status {
			return terminals[i].code < terminals[j].code
		}
		return terminals[i].status < terminals[j].status
	})

	builder.WriteString("# HELP cogniverve_tasks_terminal_total Total number of tasks that reached a terminal status.\n")
	builder.WriteString("# TYPE cogniverve_tasks_terminal_total counter\n")
	for _, metric := range terminals {
		builder.WriteString(fmt.Sprintf("cogniverve_tasks_terminal_total{status=\"%s\",code=\"%s\"} %d\n",
			escape(metric.status), escape(metric.code), metric.value))
	}

	type toolMetric struct {
		toolKey
		value uint64
	}
	tools := make([]toolMetric, 0, len(c.tools))
	for key, value := range c.tools {
		tools = append(tools, toolMetric{toolKey: key, value: value})
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].tool == tools[j].tool {
			return tools[i].outcome < tools[j].outcome
		}
		return tools[i].tool < tools[j].tool
	})

	builder.WriteString("# HELP cogniverve_tool_dispatches_total Total number of tool dispatches by outcome.\n")
	builder.WriteString("# TYPE cogniverve_tool_dispatches_total counter\n")
	for _, metric := range tools {
		builder.WriteString(fmt.Sprintf("cogniverve_tool_dispatches_total{tool=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.tool), escape(metric.outcome), metric.value))
	}

	if c.iterations != nil {
		renderHistogram(&builder, "cogniverve_task_iterations", "Number of reasoning iterations per terminal task.", c.iterations)
	}
	if c.duration != nil {
		renderHistogram(&builder, "cogniverve_task_duration_seconds", "Task wall clock duration in seconds.", c.duration)
	}
	return builder.String()
}

func renderLabelCounter(builder *strings.Builder, name, help, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	builder.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, escape(key), values[key]))
	}
}

func renderHistogram(builder *strings.Builder, name, help string, hist *histogram) {
	builder.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	builder.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
	for idx, bound := range hist.buckets {
		builder.WriteString(fmt.Sprintf("%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), hist.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", name, hist.count))
	builder.WriteString(fmt.Sprintf("%s_sum %s\n", name, formatFloat(hist.sum)))
	builder.WriteString(fmt.Sprintf("%s_count %d\n", name, hist.count))
}
