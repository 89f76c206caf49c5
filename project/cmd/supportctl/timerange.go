package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const dateLayout = "2006-01-02"

// slackRange は --from / --to を Slack TS の閉区間に変換します
// 日付指定の場合、to はその日の終わりまでを含みます
func slackRange(from, to, tz string) (string, string, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", "", fmt.Errorf("タイムゾーンが不正です (tz=%s): %w", tz, err)
	}
	fromTS, err := slackBound(from, loc, false)
	if err != nil {
		return "", "", err
	}
	toTS, err := slackBound(to, loc, true)
	if err != nil {
		return "", "", err
	}
	if tsFloat(fromTS) > tsFloat(toTS) {
		return "", "", fmt.Errorf("--from (%s) が --to (%s) より後です", from, to)
	}
	return fromTS, toTS, nil
}

func slackBound(v string, loc *time.Location, end bool) (string, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseInLocation(dateLayout, v, loc); err == nil {
		if end {
			return fmt.Sprintf("%d.999999", d.AddDate(0, 0, 1).Unix()-1), nil
		}
		return fmt.Sprintf("%d.000000", d.Unix()), nil
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("日付（YYYY-MM-DD）または Slack TS を指定してください (value=%q)", v)
}

func tsFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
