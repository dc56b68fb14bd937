package dashboard

import (
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func TestRegisterRoutes(t *testing.T) {
	h := NewHandler(nil, nil)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	var paths []string
	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tmpl, err := route.GetPathTemplate()
		if err != nil {
			return err
		}
		paths = append(paths, tmpl)
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, paths, "/dashboard/stats")
	require.Contains(t, paths, "/dashboard/provider/{id}")
}
