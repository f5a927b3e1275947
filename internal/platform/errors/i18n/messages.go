package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
// These are duplicated as strings to avoid an import cycle.
const (
	CodeInvalidToken          = "INVALID_TOKEN"
	CodeNotRegistered         = "NOT_REGISTERED"
	CodeUnknownParticipant    = "UNKNOWN_PARTICIPANT"
	CodeDuplicateRegistration = "DUPLICATE_REGISTRATION"
	CodeNotFound              = "NOT_FOUND"
	CodeUnauthorizedShard     = "UNAUTHORIZED_SHARD"
	CodeMissingParameter      = "MISSING_PARAMETER"
	CodeNotSessionMember      = "NOT_SESSION_MEMBER"
	CodeRoleTaken             = "ROLE_TAKEN"
	CodeNotJoined             = "NOT_JOINED"
	CodeInvalidArgument       = "INVALID_ARGUMENT"
	CodeRateLimited           = "RATE_LIMITED"
	CodeUnknown               = "UNKNOWN"
)

var enUS = map[Code]string{
	CodeInvalidToken:          "Your access token is invalid or expired.",
	CodeNotRegistered:         "You are not registered as a princess or a servant.",
	CodeUnknownParticipant:    "You are not registered as a princess or a servant.",
	CodeDuplicateRegistration: "You are already registered as a {{.Role}}.",
	CodeNotFound:              "{{.Entity}} not found.",
	CodeUnauthorizedShard:     "This session is hosted on shard {{.HostShard}}. Reconnect there.",
	CodeMissingParameter:      "The {{.Parameter}} parameter is required.",
	CodeNotSessionMember:      "You are not part of this session.",
	CodeRoleTaken:             "The {{.Role}} of this room is already connected.",
	CodeNotJoined:             "Join the room before sending to it.",
	CodeInvalidArgument:       "The request is invalid.",
	CodeRateLimited:           "Too many messages. Slow down.",
	CodeUnknown:               "Something went wrong.",
}

var ptBR = map[Code]string{
	CodeInvalidToken:          "Seu token de acesso é inválido ou expirou.",
	CodeNotRegistered:         "Você não está registrado como princesa ou servo.",
	CodeUnknownParticipant:    "Você não está registrado como princesa ou servo.",
	CodeDuplicateRegistration: "Você já está registrado como {{.Role}}.",
	CodeNotFound:              "{{.Entity}} não encontrado.",
	CodeUnauthorizedShard:     "Esta sessão está no shard {{.HostShard}}. Reconecte lá.",
	CodeMissingParameter:      "O parâmetro {{.Parameter}} é obrigatório.",
	CodeNotSessionMember:      "Você não faz parte desta sessão.",
	CodeRoleTaken:             "O papel {{.Role}} desta sala já está conectado.",
	CodeNotJoined:             "Entre na sala antes de enviar mensagens.",
	CodeInvalidArgument:       "A requisição é inválida.",
	CodeRateLimited:           "Muitas mensagens. Vá mais devagar.",
	CodeUnknown:               "Algo deu errado.",
}
