package domain

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "gerente"
	RoleUser    Role = "usuario"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

type Action string

const (
	ActionView          Action = "view"
	ActionSell          Action = "sell"
	ActionManageCatalog Action = "manage_catalog"
	ActionRecordStock   Action = "record_stock"
	ActionUndo          Action = "undo_transaction"
	ActionExport        Action = "export"
	ActionImport        Action = "import"
	ActionManageUsers   Action = "manage_users"
)

// Can reports whether role may perform action.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		switch action {
		case ActionView, ActionSell, ActionManageCatalog, ActionRecordStock, ActionUndo, ActionExport:
			return true
		}
	case RoleUser:
		return action == ActionView || action == ActionSell
	}
	return false
}
