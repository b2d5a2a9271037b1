package httpserver

import (
	"net/http"
	"strconv"

	"github.com/kadirpekel/agentd/internal/storage"
)

// pageFromQuery parses the cursor-pagination query params shared by every
// list endpoint (spec §6: before/after/limit/ascending).
func pageFromQuery(r *http.Request) storage.Page {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	ascending := q.Get("ascending") == "true"
	return storage.Page{
		Before:    q.Get("before"),
		After:     q.Get("after"),
		Limit:     limit,
		Ascending: ascending,
	}
}
