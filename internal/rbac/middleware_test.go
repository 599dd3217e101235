package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"callern/internal/auth"

	"github.com/gin-gonic/gin"
)

func withIdentity(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func serve(r *gin.Engine, path string) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withIdentity("u", RoleSuperAdmin), RequireAnyRole(RoleAdmin), func(c *gin.Context) {
		c.Status(200)
	})
	if code := serve(r, "/x"); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_LearnerDenied(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withIdentity("u", RoleLearner), RequireAnyRole(RoleAdmin), func(c *gin.Context) {
		c.Status(200)
	})
	if code := serve(r, "/x"); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_MissingIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", RequireAnyRole(RoleAdmin), func(c *gin.Context) {
		c.Status(200)
	})
	if code := serve(r, "/x"); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireSelfOrAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, tc := range []struct {
		user, role, path string
		want             int
	}{
		{"l1", RoleLearner, "/learners/l1", 200},
		{"l1", RoleLearner, "/learners/l2", 403},
		{"a1", RoleAdmin, "/learners/l2", 200},
	} {
		r := gin.New()
		r.GET("/learners/:learner_id", withIdentity(tc.user, tc.role), RequireSelfOrAdmin("learner_id"), func(c *gin.Context) {
			c.Status(200)
		})
		if code := serve(r, tc.path); code != tc.want {
			t.Fatalf("%s as %s on %s: expected %d, got %d", tc.user, tc.role, tc.path, tc.want, code)
		}
	}
}
