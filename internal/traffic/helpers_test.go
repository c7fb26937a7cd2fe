package traffic

import (
	"encoding/json"
	"net/http"

	"github.com/HerbHall/subnetgrid/internal/testutil"
)

func writeJSON(w http.ResponseWriter, v any) {
	testutil.WriteJSON(w, http.StatusOK, v)
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
