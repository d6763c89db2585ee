package dynarec

const defaultHostMode = ModeWide
