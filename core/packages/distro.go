package packages

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Distribution returns "<id> <version_id>" from the os-release file under
// root, or an empty string when it cannot be determined.
func Distribution(root string) string {
	if root == "" {
		root = "/"
	}
	for _, rel := range []string{"etc/os-release", "usr/lib/os-release"} {
		// #nosec G304 -- fixed os-release locations under root.
		file, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			continue
		}
		fields := map[string]string{}
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
			if !ok || strings.HasPrefix(key, "#") {
				continue
			}
			fields[key] = strings.Trim(value, `"'`)
		}
		_ = file.Close()
		return strings.TrimSpace(fields["ID"] + " " + fields["VERSION_ID"])
	}
	return ""
}
