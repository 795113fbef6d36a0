package usercontext

// Locals keys shared by middlewares and controllers
const (
	KeyUserContext = "USER_CONTEXT"
	KeyUserID      = "user_id"
	KeyIsAdmin     = "isAdmin"
)

// Where the request identity came from.
const (
	SourceAnonymous  = "anonymous"
	SourceJWT        = "jwt"
	SourceAdminToken = "admin_token"
	SourceAPIKey     = "api_key"
)
