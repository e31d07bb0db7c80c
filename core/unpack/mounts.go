package unpack

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var magicDirs = []string{"/dev", "/dev/pts", "/proc"}

// parseMountInfo returns the mount points listed in /proc/self/mountinfo.
func parseMountInfo(reader io.Reader) ([]string, error) {
	var points []string
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		points = append(points, unescapeMountField(fields[4]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mountinfo: %w", err)
	}
	return points, nil
}

// unescapeMountField decodes the \ooo octal escapes the kernel uses for
// spaces, tabs, newlines and backslashes.
func unescapeMountField(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}
	var builder strings.Builder
	for index := 0; index < len(field); index++ {
		if field[index] == '\\' && index+4 <= len(field) {
			if value, err := strconv.ParseUint(field[index+1:index+4], 8, 8); err == nil {
				builder.WriteByte(byte(value))
				index += 3
				continue
			}
		}
		builder.WriteByte(field[index])
	}
	return builder.String()
}
